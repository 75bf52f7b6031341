package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProductType is the platform's product family.
type ProductType string

const (
	ProductTypeSubs  ProductType = "subs"
	ProductTypeInApp ProductType = "inapp"
)

// ErrInvalidProduct is returned when a purchasable product is malformed.
var ErrInvalidProduct = errors.New("invalid purchasable product")

// PricingPhase is one step of a subscription offer (trial, intro, base).
type PricingPhase struct {
	PriceAmountMicros int64  `json:"price_amount_micros"`
	CurrencyCode      string `json:"currency_code"`
	FormattedPrice    string `json:"formatted_price,omitempty"`
	BillingPeriod     string `json:"billing_period"` // ISO-8601, e.g. P1M
	BillingCycleCount int    `json:"billing_cycle_count"`
	RecurrenceMode    int    `json:"recurrence_mode"`
}

// SubscriptionOffer is the current base plan (and optional offer) picked for a purchase.
type SubscriptionOffer struct {
	BasePlanID    string         `json:"base_plan_id"`
	OfferID       string         `json:"offer_id,omitempty"`
	OfferToken    string         `json:"offer_token"`
	OfferTags     []string       `json:"offer_tags,omitempty"`
	PricingPhases []PricingPhase `json:"pricing_phases"`
}

// BasePhase is the last pricing phase, i.e. the recurring price.
func (o *SubscriptionOffer) BasePhase() (PricingPhase, bool) {
	if o == nil || len(o.PricingPhases) == 0 {
		return PricingPhase{}, false
	}
	return o.PricingPhases[len(o.PricingPhases)-1], true
}

// OneTimeOffer is the price of a one-time product.
type OneTimeOffer struct {
	PriceAmountMicros int64  `json:"price_amount_micros"`
	CurrencyCode      string `json:"currency_code"`
	FormattedPrice    string `json:"formatted_price,omitempty"`
}

// PurchasableProduct is a resolved, platform-priced offer ready to be purchased.
// It is built per purchase attempt and is short-lived.
type PurchasableProduct struct {
	VendorProductID    string             `json:"vendor_product_id"`
	Type               ProductType        `json:"type"`
	IsConsumable       bool               `json:"is_consumable"`
	SubscriptionOffer  *SubscriptionOffer `json:"subscription_offer,omitempty"`
	OneTimeOffer       *OneTimeOffer      `json:"one_time_offer,omitempty"`
	PlacementID        string             `json:"placement_id,omitempty"`
	PaywallID          string             `json:"paywall_id,omitempty"`
	PaywallVariationID string             `json:"variation_id,omitempty"`
	ABTestName         string             `json:"ab_test_name,omitempty"`
}

// Validate enforces that exactly one offer matching the product type is selected.
func (p *PurchasableProduct) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidProduct)
	}
	if p.VendorProductID == "" {
		return fmt.Errorf("%w: vendor_product_id is required", ErrInvalidProduct)
	}
	switch p.Type {
	case ProductTypeSubs:
		if p.SubscriptionOffer == nil || p.OneTimeOffer != nil {
			return fmt.Errorf("%w: subscription %s needs exactly one subscription offer", ErrInvalidProduct, p.VendorProductID)
		}
		if p.SubscriptionOffer.OfferToken == "" {
			return fmt.Errorf("%w: subscription %s has no offer token", ErrInvalidProduct, p.VendorProductID)
		}
	case ProductTypeInApp:
		if p.OneTimeOffer == nil || p.SubscriptionOffer != nil {
			return fmt.Errorf("%w: product %s needs exactly one one-time offer", ErrInvalidProduct, p.VendorProductID)
		}
	default:
		return fmt.Errorf("%w: unknown product type %q", ErrInvalidProduct, p.Type)
	}
	return nil
}

// Price returns the amount and currency the user is charged on the recurring phase.
func (p *PurchasableProduct) Price() (int64, string) {
	if p == nil {
		return 0, ""
	}
	if p.OneTimeOffer != nil {
		return p.OneTimeOffer.PriceAmountMicros, p.OneTimeOffer.CurrencyCode
	}
	if phase, ok := p.SubscriptionOffer.BasePhase(); ok {
		return phase.PriceAmountMicros, phase.CurrencyCode
	}
	return 0, ""
}

// PaywallProduct is a candidate product as described by a paywall.
type PaywallProduct struct {
	VendorProductID string      `json:"vendor_product_id"`
	Type            ProductType `json:"type,omitempty"` // empty means unknown, resolved through the platform
	BasePlanID      string      `json:"base_plan_id,omitempty"`
	OfferID         string      `json:"offer_id,omitempty"`
	IsConsumable    bool        `json:"is_consumable"`
}

// Paywall is a monetization screen definition tied to a placement.
type Paywall struct {
	PaywallID    string           `json:"paywall_id"`
	Name         string           `json:"name"`
	PlacementID  string           `json:"placement_id"`
	VariationID  string           `json:"variation_id"`
	ABTestName   string           `json:"ab_test_name,omitempty"`
	Revision     int              `json:"revision"`
	Products     []PaywallProduct `json:"products"`
	RemoteConfig json.RawMessage  `json:"remote_config,omitempty"`
}

// Validate checks the identifiers a paywall needs to be shown and purchased from.
func (p *Paywall) Validate() error {
	if p == nil || p.PaywallID == "" {
		return errors.New("invalid paywall: paywall_id is required")
	}
	if p.Products == nil {
		p.Products = []PaywallProduct{}
	}
	return nil
}
