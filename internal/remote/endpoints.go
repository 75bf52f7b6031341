package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"paykit/internal/billing"
	"paykit/internal/models"
	"paykit/internal/retry"
)

// CreateProfileRequest registers a new installation.
type CreateProfileRequest struct {
	CustomerUserID string                  `json:"customer_user_id,omitempty"`
	Installation   models.InstallationMeta `json:"installation"`
}

// PurchaseSnapshot is what the authority needs to verify one purchase: the
// receipt plus the price and offer the user saw.
type PurchaseSnapshot struct {
	PurchaseToken     string             `json:"purchase_token"`
	ProductID         string             `json:"product_id"`
	ProductType       models.ProductType `json:"product_type"`
	OrderID           string             `json:"order_id,omitempty"`
	PurchaseTime      time.Time          `json:"purchase_time"`
	IsConsumable      bool               `json:"is_consumable"`
	PriceAmountMicros int64              `json:"price_amount_micros"`
	CurrencyCode      string             `json:"currency_code,omitempty"`
	BasePlanID        string             `json:"base_plan_id,omitempty"`
	OfferID           string             `json:"offer_id,omitempty"`
	BillingPeriod     string             `json:"billing_period,omitempty"`
	PlacementID       string             `json:"placement_id,omitempty"`
	PaywallID         string             `json:"paywall_id,omitempty"`
	VariationID       string             `json:"variation_id,omitempty"`
	ABTestName        string             `json:"ab_test_name,omitempty"`
}

// SnapshotOf describes a purchase made from product.
func SnapshotOf(purchase models.Purchase, product models.PurchasableProduct) PurchaseSnapshot {
	micros, currency := product.Price()
	snap := PurchaseSnapshot{
		PurchaseToken:     purchase.PurchaseToken,
		ProductID:         product.VendorProductID,
		ProductType:       product.Type,
		OrderID:           purchase.OrderID,
		PurchaseTime:      purchase.PurchaseTime,
		IsConsumable:      product.IsConsumable,
		PriceAmountMicros: micros,
		CurrencyCode:      currency,
		PlacementID:       product.PlacementID,
		PaywallID:         product.PaywallID,
		VariationID:       product.PaywallVariationID,
		ABTestName:        product.ABTestName,
	}
	if offer := product.SubscriptionOffer; offer != nil {
		snap.BasePlanID = offer.BasePlanID
		snap.OfferID = offer.OfferID
		if phase, ok := offer.BasePhase(); ok {
			snap.BillingPeriod = phase.BillingPeriod
		}
	}
	return snap
}

// SnapshotOfHistory describes a purchase found in the platform history,
// priced with the product's current default offer.
func SnapshotOfHistory(record billing.HistoryRecord, details billing.ProductDetails) PurchaseSnapshot {
	snap := PurchaseSnapshot{
		PurchaseToken: record.PurchaseToken,
		ProductID:     details.ProductID,
		ProductType:   details.Type,
		PurchaseTime:  record.PurchaseTime,
	}
	switch {
	case details.OneTimeOffer != nil:
		snap.PriceAmountMicros = details.OneTimeOffer.PriceAmountMicros
		snap.CurrencyCode = details.OneTimeOffer.CurrencyCode
	case len(details.SubscriptionOffers) > 0:
		offer, ok := details.FindOffer("", "")
		if !ok {
			offer = details.SubscriptionOffers[0]
		}
		snap.BasePlanID = offer.BasePlanID
		snap.OfferID = offer.OfferID
		if phase, ok := offer.BasePhase(); ok {
			snap.PriceAmountMicros = phase.PriceAmountMicros
			snap.CurrencyCode = phase.CurrencyCode
			snap.BillingPeriod = phase.BillingPeriod
		}
	}
	return snap
}

// ValidateRequest asks the authority to verify a single purchase.
type ValidateRequest struct {
	ProfileID string           `json:"profile_id"`
	Purchase  PurchaseSnapshot `json:"purchase"`
}

// RestoreRequest submits several purchases at once.
type RestoreRequest struct {
	ProfileID string             `json:"profile_id"`
	Purchases []PurchaseSnapshot `json:"purchases"`
}

// Event is an analytics event forwarded as is.
type Event struct {
	Type      string         `json:"type"`
	ProfileID string         `json:"profile_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (c *Client) profileCall(ctx context.Context, method, path string, body any) (*models.Profile, error) {
	var profile models.Profile
	if err := c.do(ctx, method, path, body, &profile); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s %s: %w", method, path, err))
	}
	return &profile, nil
}

func (c *Client) CreateProfile(ctx context.Context, req CreateProfileRequest) (*models.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, "/api/v1/profiles", req)
}

func (c *Client) GetProfile(ctx context.Context, profileID string) (*models.Profile, error) {
	return c.profileCall(ctx, http.MethodGet, "/api/v1/profiles/"+escape(profileID), nil)
}

func (c *Client) UpdateProfile(ctx context.Context, profileID string, params models.ProfileParams) (*models.Profile, error) {
	return c.profileCall(ctx, http.MethodPatch, "/api/v1/profiles/"+escape(profileID), params)
}

func (c *Client) ValidatePurchase(ctx context.Context, req ValidateRequest) (*models.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, "/api/v1/purchases/validate", req)
}

func (c *Client) RestorePurchases(ctx context.Context, req RestoreRequest) (*models.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, "/api/v1/purchases/restore", req)
}

// GetPaywall returns the paywall shown at placementID. locale may be empty.
func (c *Client) GetPaywall(ctx context.Context, placementID, locale string) (*models.Paywall, error) {
	path := "/api/v1/placements/" + escape(placementID) + "/paywall"
	if locale != "" {
		path += "?" + url.Values{"locale": {locale}}.Encode()
	}
	var paywall models.Paywall
	if err := c.do(ctx, http.MethodGet, path, nil, &paywall); err != nil {
		return nil, err
	}
	if err := paywall.Validate(); err != nil {
		return nil, retry.Permanent(err)
	}
	return &paywall, nil
}

// GetPaywallUI returns the paywall's UI description untouched.
func (c *Client) GetPaywallUI(ctx context.Context, paywallID string) (json.RawMessage, error) {
	var ui json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/paywalls/"+escape(paywallID)+"/ui", nil, &ui); err != nil {
		return nil, err
	}
	return ui, nil
}

func (c *Client) SendEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/v1/events", map[string]any{"events": events}, nil)
}
