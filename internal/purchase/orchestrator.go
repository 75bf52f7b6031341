// Package purchase drives a purchase from product resolution to a settled,
// validated entitlement.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"paykit/internal/billing"
	"paykit/internal/metrics"
	"paykit/internal/models"
	"paykit/internal/products"
	"paykit/internal/retry"
	"paykit/pkg/logging"
)

// ErrNoActiveSubscriptionToReplace is returned when a replacement names a
// subscription the user does not currently own.
var ErrNoActiveSubscriptionToReplace = errors.New("no active subscription to replace")

// ValidationError reports a purchase the platform confirmed but the
// authority did not accept. The purchase is kept in the ledger.
type ValidationError struct {
	Purchase models.Purchase
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("purchase %s confirmed but not validated: %v", e.Purchase.PurchaseToken, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Result is a settled purchase.
type Result struct {
	Profile  *models.Profile
	Purchase models.Purchase
}

// Billing is the gateway as used by the orchestrator.
type Billing interface {
	Purchase(ctx context.Context, host billing.UIHost, params billing.FlowParams) (*models.Purchase, error)
	QueryActivePurchases(ctx context.Context, productType models.ProductType) ([]models.Purchase, error)
}

// ProductQuerier resolves a single product.
type ProductQuerier interface {
	QueryProduct(ctx context.Context, productID string, productType models.ProductType) (billing.ProductDetails, error)
}

// Ledger keeps purchases that failed validation.
type Ledger interface {
	Record(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct, cause error) (models.UnsyncedPurchaseRecord, error)
	Resolve(ctx context.Context, purchaseToken string) error
}

// PurchaseValidator validates a confirmed purchase and settles it on the
// platform afterwards.
type PurchaseValidator interface {
	Validate(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct) (*models.Profile, error)
	Settle(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct, step func(State))
}

// ledgerWriteTimeout bounds the ledger write after a failed validation. The
// write runs detached from the caller's context.
const ledgerWriteTimeout = 5 * time.Second

// Orchestrator runs one purchase at a time.
type Orchestrator struct {
	billing   Billing
	products  ProductQuerier
	validator PurchaseValidator
	ledger    Ledger
	runner    *retry.Runner
	metrics   *metrics.Metrics
	logger    logging.Logger
	observer  StateObserver
	profileID func() string

	flight *semaphore.Weighted
}

type Option func(*Orchestrator)

func WithRunner(r *retry.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

func WithObserver(obs StateObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithProfileID tags launched flows with the current profile id.
func WithProfileID(fn func() string) Option {
	return func(o *Orchestrator) { o.profileID = fn }
}

func New(b Billing, p ProductQuerier, v PurchaseValidator, l Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		billing:   b,
		products:  p,
		validator: v,
		ledger:    l,
		logger:    logging.NewComponentLogger("purchase"),
		flight:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) notify(productID string, state State) {
	if o.observer != nil {
		o.observer.OnPurchaseState(productID, state)
	}
}

func (o *Orchestrator) fail(productID string, state State, outcome string) {
	o.notify(productID, state)
	o.metrics.PurchaseOutcome(outcome)
}

// MakePurchase buys product on host. replacement, when set, swaps an active
// subscription for this one. A *ValidationError means the user paid and the
// purchase waits in the ledger for the next sync.
func (o *Orchestrator) MakePurchase(ctx context.Context, host billing.UIHost, product models.PurchasableProduct, replacement *models.ReplacementParams) (*Result, error) {
	if err := o.flight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.flight.Release(1)

	id := product.VendorProductID
	o.notify(id, StateResolvingProduct)

	if err := product.Validate(); err != nil {
		o.fail(id, StateFailed, metrics.OutcomeFailed)
		return nil, err
	}
	details, err := o.products.QueryProduct(ctx, id, product.Type)
	if err != nil {
		o.fail(id, StateFailed, metrics.OutcomeFailed)
		return nil, err
	}

	params := billing.FlowParams{ProductID: id, ProductType: product.Type}
	if o.profileID != nil {
		params.ObfuscatedIDs.ProfileID = o.profileID()
	}
	if product.Type == models.ProductTypeSubs {
		o.notify(id, StateAwaitingOffer)
		offer, ok := details.FindOffer(product.SubscriptionOffer.BasePlanID, product.SubscriptionOffer.OfferID)
		if !ok {
			o.fail(id, StateFailed, metrics.OutcomeFailed)
			return nil, fmt.Errorf("%w: %s base plan %q", products.ErrOfferNotFound, id, product.SubscriptionOffer.BasePlanID)
		}
		params.OfferToken = offer.OfferToken
	}

	if replacement != nil {
		token, err := o.replacedToken(ctx, replacement)
		if err != nil {
			o.fail(id, StateFailed, metrics.OutcomeFailed)
			return nil, err
		}
		params.OldPurchaseToken = token
		params.ReplacementMode = replacement.ReplacementMode
	}

	o.notify(id, StateLaunchingPurchaseUI)
	launchHost := billing.UIHostFunc(func(fn func()) {
		host.RunOnUIThread(func() {
			fn()
			o.notify(id, StateAwaitingPlatformResult)
		})
	})
	purchase, err := o.billing.Purchase(ctx, launchHost, params)
	if err != nil {
		switch {
		case billing.HasCode(err, billing.CodeUserCanceled):
			o.fail(id, StateCancelled, metrics.OutcomeCancelled)
		case errors.Is(err, billing.ErrPendingPurchase):
			o.fail(id, StatePending, metrics.OutcomePending)
		default:
			o.fail(id, StateFailed, metrics.OutcomeFailed)
		}
		return nil, err
	}
	if purchase == nil {
		purchase, err = o.findActive(ctx, product)
		if err != nil {
			o.fail(id, StateFailed, metrics.OutcomeFailed)
			return nil, err
		}
	}
	o.notify(id, StateConfirmed)

	o.notify(id, StateValidatingRemotely)
	profile, err := o.validator.Validate(ctx, *purchase, product)
	if err != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
		_, lerr := o.ledger.Record(wctx, *purchase, product, err)
		cancel()
		if lerr != nil {
			o.logger.Error("purchase %s could not be kept for later validation: %v", purchase.PurchaseToken, lerr)
		}
		o.fail(id, StateUnsynced, metrics.OutcomeUnsynced)
		return nil, &ValidationError{Purchase: *purchase, Err: err}
	}

	o.validator.Settle(ctx, *purchase, product, func(s State) { o.notify(id, s) })
	if err := o.ledger.Resolve(ctx, purchase.PurchaseToken); err != nil {
		o.logger.Warn("clear ledger entry %s: %v", purchase.PurchaseToken, err)
	}

	o.notify(id, StateSettled)
	o.metrics.PurchaseOutcome(metrics.OutcomeSettled)
	return &Result{Profile: profile, Purchase: *purchase}, nil
}

func (o *Orchestrator) activePurchases(ctx context.Context, productType models.ProductType) ([]models.Purchase, error) {
	return retry.Do(ctx, o.runner, retry.PurchaseQuery, func(ctx context.Context) ([]models.Purchase, error) {
		return o.billing.QueryActivePurchases(ctx, productType)
	})
}

func (o *Orchestrator) replacedToken(ctx context.Context, replacement *models.ReplacementParams) (string, error) {
	active, err := o.activePurchases(ctx, models.ProductTypeSubs)
	if err != nil {
		return "", err
	}
	for _, p := range active {
		if p.HasProduct(replacement.OldVendorProductID) {
			return p.PurchaseToken, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoActiveSubscriptionToReplace, replacement.OldVendorProductID)
}

// findActive recovers the purchase when the platform reported success
// without handing it over.
func (o *Orchestrator) findActive(ctx context.Context, product models.PurchasableProduct) (*models.Purchase, error) {
	active, err := o.activePurchases(ctx, product.Type)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].HasProduct(product.VendorProductID) && active[i].State == models.PurchaseStatePurchased {
			return &active[i], nil
		}
	}
	return nil, billing.NewError("purchase", billing.CodeBillingUnavailable, "platform reported success without a purchase for "+product.VendorProductID)
}
