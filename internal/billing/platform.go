package billing

import (
	"context"
	"time"

	"paykit/internal/models"
)

// Platform is the on-device billing service.
type Platform interface {
	// Connect starts a service connection and blocks until setup finishes.
	// onDisconnected fires whenever the platform later drops the connection.
	Connect(ctx context.Context, onDisconnected func()) error
	EndConnection()

	QueryProductDetails(ctx context.Context, productType models.ProductType, productIDs []string) ([]ProductDetails, error)
	QueryPurchases(ctx context.Context, productType models.ProductType) ([]models.Purchase, error)
	QueryPurchaseHistory(ctx context.Context, productType models.ProductType) ([]HistoryRecord, error)

	// LaunchBillingFlow shows the purchase screen. Its outcome is delivered
	// through the purchases-updated listener, not the return value.
	LaunchBillingFlow(ctx context.Context, params FlowParams) error
	SetPurchasesUpdatedListener(listener func(PurchasesUpdate))

	Acknowledge(ctx context.Context, purchaseToken string) error
	Consume(ctx context.Context, purchaseToken string) error
	BillingConfig(ctx context.Context) (Config, error)
}

// UIHost runs work on the thread that owns the purchase screen.
type UIHost interface {
	RunOnUIThread(fn func())
}

// UIHostFunc adapts a function to UIHost.
type UIHostFunc func(fn func())

func (f UIHostFunc) RunOnUIThread(fn func()) { f(fn) }

// ImmediateUIHost runs the work on the calling goroutine.
var ImmediateUIHost UIHost = UIHostFunc(func(fn func()) { fn() })

// ProductDetails is what the platform knows about a product.
type ProductDetails struct {
	ProductID          string
	Type               models.ProductType
	Title              string
	Description        string
	SubscriptionOffers []models.SubscriptionOffer // subs only
	OneTimeOffer       *models.OneTimeOffer      // inapp only
}

// FindOffer returns the subscription offer for basePlanID/offerID. An empty
// basePlanID picks the first base plan without an offer id.
func (d ProductDetails) FindOffer(basePlanID, offerID string) (models.SubscriptionOffer, bool) {
	for _, offer := range d.SubscriptionOffers {
		if basePlanID != "" && offer.BasePlanID != basePlanID {
			continue
		}
		if offer.OfferID == offerID {
			return offer, true
		}
	}
	return models.SubscriptionOffer{}, false
}

// HistoryRecord is an entry of the platform purchase history.
type HistoryRecord struct {
	PurchaseToken string
	ProductIDs    []string
	PurchaseTime  time.Time
	Quantity      int
	Signature     string
	OriginalJSON  string
}

// FlowParams describes one purchase screen launch.
type FlowParams struct {
	ProductID     string
	ProductType   models.ProductType
	OfferToken    string
	ObfuscatedIDs ObfuscatedIDs

	// Replacement fields are set only when switching subscriptions.
	OldPurchaseToken string
	ReplacementMode  int
}

// ObfuscatedIDs tie a platform purchase to a profile.
type ObfuscatedIDs struct {
	AccountID string
	ProfileID string
}

// PurchasesUpdate is the payload of the purchases-updated callback.
type PurchasesUpdate struct {
	Code      ResponseCode
	Message   string
	Purchases []models.Purchase
}

// Config is the platform billing configuration.
type Config struct {
	CountryCode string
}
