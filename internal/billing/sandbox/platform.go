// Package sandbox is an in-process billing platform for local runs and tests.
// It keeps products, owned purchases and history in memory and lets callers
// script connection and purchase outcomes.
package sandbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"paykit/internal/billing"
	"paykit/internal/models"
)

// Outcome scripts the result of the next LaunchBillingFlow call.
type Outcome struct {
	Code ResponseCode
	// State of the delivered purchase when Code is ok.
	State models.PurchaseState
	// NoPurchase delivers an ok result with an empty purchase list.
	NoPurchase bool
	Message    string
}

// ResponseCode is re-exported so scripts read naturally.
type ResponseCode = billing.ResponseCode

// Platform implements billing.Platform.
type Platform struct {
	mu           sync.Mutex
	products     map[string]billing.ProductDetails
	active       map[string]models.Purchase // by token
	history      []billing.HistoryRecord
	outcomes     []Outcome
	failures     map[string][]error
	listener     func(billing.PurchasesUpdate)
	disconnected func()
	country      string
	acknowledged map[string]int
	consumed     map[string]int
	launches     []billing.FlowParams

	connectCalls atomic.Int32
	tokenSeq     atomic.Int64

	// ConnectDelay slows down Connect to widen race windows in tests.
	ConnectDelay time.Duration
	// Now stamps purchases; defaults to time.Now.
	Now func() time.Time
}

// New returns an empty sandbox platform.
func New() *Platform {
	return &Platform{
		products:     make(map[string]billing.ProductDetails),
		active:       make(map[string]models.Purchase),
		failures:     make(map[string][]error),
		acknowledged: make(map[string]int),
		consumed:     make(map[string]int),
		country:      "US",
		Now:          time.Now,
	}
}

// Operation names accepted by FailNext.
const (
	OpConnect       = "connect"
	OpProducts      = "query_product_details"
	OpPurchases     = "query_purchases"
	OpHistory       = "query_purchase_history"
	OpLaunch        = "launch_billing_flow"
	OpAcknowledge   = "acknowledge"
	OpConsume       = "consume"
	OpBillingConfig = "billing_config"
)

// AddProduct registers product details.
func (p *Platform) AddProduct(details billing.ProductDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[details.ProductID] = details
}

// AddSubscription registers a subscription with one base plan priced in micros.
func (p *Platform) AddSubscription(productID, basePlanID, period string, priceMicros int64, currency string) {
	p.AddProduct(billing.ProductDetails{
		ProductID: productID,
		Type:      models.ProductTypeSubs,
		Title:     productID,
		SubscriptionOffers: []models.SubscriptionOffer{{
			BasePlanID: basePlanID,
			OfferToken: fmt.Sprintf("offer-token-%s-%s", productID, basePlanID),
			PricingPhases: []models.PricingPhase{{
				PriceAmountMicros: priceMicros,
				CurrencyCode:      currency,
				BillingPeriod:     period,
				RecurrenceMode:    1,
			}},
		}},
	})
}

// AddOneTime registers a one-time product.
func (p *Platform) AddOneTime(productID string, priceMicros int64, currency string) {
	p.AddProduct(billing.ProductDetails{
		ProductID:    productID,
		Type:         models.ProductTypeInApp,
		Title:        productID,
		OneTimeOffer: &models.OneTimeOffer{PriceAmountMicros: priceMicros, CurrencyCode: currency},
	})
}

// GrantPurchase records an owned purchase as if it happened in an earlier session.
func (p *Platform) GrantPurchase(productID string) models.Purchase {
	p.mu.Lock()
	defer p.mu.Unlock()
	purchase := p.newPurchaseLocked(productID, models.PurchaseStatePurchased)
	p.recordLocked(purchase)
	return purchase
}

// SetCountry sets the billing config country.
func (p *Platform) SetCountry(country string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.country = country
}

// QueueOutcome scripts the next purchase flow results in order.
func (p *Platform) QueueOutcome(outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcomes...)
}

// FailNext makes the next calls of op fail with errs, in order.
func (p *Platform) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Disconnect simulates the platform dropping the service connection.
func (p *Platform) Disconnect() {
	p.mu.Lock()
	cb := p.disconnected
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Deliver pushes an update through the listener as the platform would for
// purchases completed outside a purchase flow.
func (p *Platform) Deliver(update billing.PurchasesUpdate) {
	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener != nil {
		listener(update)
	}
}

// ConnectCalls returns how many times Connect ran.
func (p *Platform) ConnectCalls() int {
	return int(p.connectCalls.Load())
}

// Acknowledged returns how many times token was acknowledged.
func (p *Platform) Acknowledged(token string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acknowledged[token]
}

// Consumed returns how many times token was consumed.
func (p *Platform) Consumed(token string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed[token]
}

// Launches returns the parameters of every launched purchase flow.
func (p *Platform) Launches() []billing.FlowParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.launches)
}

func (p *Platform) takeFailure(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := p.failures[op]
	if len(errs) == 0 {
		return nil
	}
	p.failures[op] = errs[1:]
	return errs[0]
}

func (p *Platform) Connect(ctx context.Context, onDisconnected func()) error {
	p.connectCalls.Add(1)
	if p.ConnectDelay > 0 {
		select {
		case <-time.After(p.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := p.takeFailure(OpConnect); err != nil {
		return err
	}
	p.mu.Lock()
	p.disconnected = onDisconnected
	p.mu.Unlock()
	return nil
}

func (p *Platform) EndConnection() {
	p.mu.Lock()
	p.disconnected = nil
	p.mu.Unlock()
}

func (p *Platform) QueryProductDetails(_ context.Context, productType models.ProductType, productIDs []string) ([]billing.ProductDetails, error) {
	if err := p.takeFailure(OpProducts); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.ProductDetails
	for _, id := range productIDs {
		if details, ok := p.products[id]; ok && details.Type == productType {
			out = append(out, details)
		}
	}
	return out, nil
}

func (p *Platform) QueryPurchases(_ context.Context, productType models.ProductType) ([]models.Purchase, error) {
	if err := p.takeFailure(OpPurchases); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Purchase
	for _, purchase := range p.active {
		if p.typeOfLocked(purchase) == productType {
			out = append(out, purchase)
		}
	}
	slices.SortFunc(out, func(a, b models.Purchase) int { return a.PurchaseTime.Compare(b.PurchaseTime) })
	return out, nil
}

func (p *Platform) QueryPurchaseHistory(_ context.Context, productType models.ProductType) ([]billing.HistoryRecord, error) {
	if err := p.takeFailure(OpHistory); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.HistoryRecord
	for _, rec := range p.history {
		if len(rec.ProductIDs) > 0 && p.productTypeLocked(rec.ProductIDs[0]) == productType {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *Platform) SetPurchasesUpdatedListener(listener func(billing.PurchasesUpdate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
}

// LaunchBillingFlow delivers the scripted outcome asynchronously, like the
// real service does after the purchase screen closes.
func (p *Platform) LaunchBillingFlow(_ context.Context, params billing.FlowParams) error {
	if err := p.takeFailure(OpLaunch); err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.products[params.ProductID]; !ok {
		p.mu.Unlock()
		return billing.NewError("launch_billing_flow", billing.CodeItemUnavailable, "unknown product "+params.ProductID)
	}
	p.launches = append(p.launches, params)
	outcome := Outcome{Code: billing.CodeOK, State: models.PurchaseStatePurchased}
	if len(p.outcomes) > 0 {
		outcome = p.outcomes[0]
		p.outcomes = p.outcomes[1:]
	}

	update := billing.PurchasesUpdate{Code: outcome.Code, Message: outcome.Message}
	if outcome.Code == billing.CodeOK && !outcome.NoPurchase {
		state := outcome.State
		if state == "" {
			state = models.PurchaseStatePurchased
		}
		purchase := p.newPurchaseLocked(params.ProductID, state)
		if state == models.PurchaseStatePurchased {
			if params.OldPurchaseToken != "" {
				delete(p.active, params.OldPurchaseToken)
			}
			p.recordLocked(purchase)
		}
		update.Purchases = []models.Purchase{purchase}
	}
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		go listener(update)
	}
	return nil
}

func (p *Platform) Acknowledge(_ context.Context, purchaseToken string) error {
	if err := p.takeFailure(OpAcknowledge); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	purchase, ok := p.active[purchaseToken]
	if !ok {
		return billing.NewError("acknowledge", billing.CodeItemNotOwned, "unknown purchase token")
	}
	purchase.IsAcknowledged = true
	p.active[purchaseToken] = purchase
	p.acknowledged[purchaseToken]++
	return nil
}

func (p *Platform) Consume(_ context.Context, purchaseToken string) error {
	if err := p.takeFailure(OpConsume); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[purchaseToken]; !ok {
		return billing.NewError("consume", billing.CodeItemNotOwned, "unknown purchase token")
	}
	delete(p.active, purchaseToken)
	p.consumed[purchaseToken]++
	return nil
}

func (p *Platform) BillingConfig(_ context.Context) (billing.Config, error) {
	if err := p.takeFailure(OpBillingConfig); err != nil {
		return billing.Config{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return billing.Config{CountryCode: p.country}, nil
}

func (p *Platform) newPurchaseLocked(productID string, state models.PurchaseState) models.Purchase {
	seq := p.tokenSeq.Add(1)
	return models.Purchase{
		PurchaseToken:  fmt.Sprintf("sandbox-token-%d", seq),
		OrderID:        fmt.Sprintf("GPA.0000-0000-%04d", seq),
		PackageName:    "com.example.sandbox",
		PurchaseTime:   p.Now().UTC(),
		ProductIDs:     []string{productID},
		State:          state,
		IsAutoRenewing: p.productTypeLocked(productID) == models.ProductTypeSubs,
		Quantity:       1,
	}
}

func (p *Platform) recordLocked(purchase models.Purchase) {
	p.active[purchase.PurchaseToken] = purchase
	p.history = append(p.history, billing.HistoryRecord{
		PurchaseToken: purchase.PurchaseToken,
		ProductIDs:    slices.Clone(purchase.ProductIDs),
		PurchaseTime:  purchase.PurchaseTime,
		Quantity:      purchase.Quantity,
	})
}

func (p *Platform) typeOfLocked(purchase models.Purchase) models.ProductType {
	if len(purchase.ProductIDs) == 0 {
		return ""
	}
	return p.productTypeLocked(purchase.ProductIDs[0])
}

func (p *Platform) productTypeLocked(productID string) models.ProductType {
	if details, ok := p.products[productID]; ok {
		return details.Type
	}
	return models.ProductTypeInApp
}

var _ billing.Platform = (*Platform)(nil)
