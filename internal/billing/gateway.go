package billing

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"paykit/internal/metrics"
	"paykit/internal/models"
	"paykit/pkg/logging"
)

// ConnectionState is the gateway's view of the billing service connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Gateway owns the connection to the billing service. At most one connect
// attempt is in flight and at most one purchase flow waits for a result.
type Gateway struct {
	platform Platform
	connect  *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   logging.Logger

	mu      sync.Mutex
	state   ConnectionState
	pending *pendingFlow
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) { g.logger = logging.OrNop(l) }
}

// NewGateway wraps platform and installs the purchases-updated listener.
func NewGateway(platform Platform, opts ...Option) *Gateway {
	g := &Gateway{
		platform: platform,
		connect:  semaphore.NewWeighted(1),
		logger:   logging.NewComponentLogger("billing-gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	platform.SetPurchasesUpdatedListener(g.onPurchasesUpdated)
	return g
}

// State returns the current connection state.
func (g *Gateway) State() ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s ConnectionState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// WithConnection runs op once the billing service is connected. Connection
// failures are classified and returned as is; retrying is up to the caller.
func WithConnection[T any](ctx context.Context, g *Gateway, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.ensureConnected(ctx); err != nil {
		return zero, err
	}
	return op(ctx)
}

func (g *Gateway) ensureConnected(ctx context.Context) error {
	if g.State() == StateConnected {
		return nil
	}
	// Callers arriving during an attempt wait here and reuse its outcome.
	if err := g.connect.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.connect.Release(1)

	if g.State() == StateConnected {
		return nil
	}
	g.setState(StateConnecting)
	err := g.platform.Connect(ctx, g.onDisconnected)
	g.metrics.ConnectAttempt(err)
	if err != nil {
		g.setState(StateDisconnected)
		g.logger.Warn("billing service connection failed: %v", err)
		return classify("connect", err)
	}
	g.setState(StateConnected)
	g.logger.Debug("billing service connected")
	return nil
}

func (g *Gateway) onDisconnected() {
	g.logger.Info("billing service disconnected")
	g.setState(StateDisconnected)
}

// call runs a platform operation and drops the connection state when the
// platform reports it lost the service.
func call[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return WithConnection(ctx, g, func(ctx context.Context) (T, error) {
		out, err := fn(ctx)
		if err != nil {
			err = classify(op, err)
			if be, ok := AsError(err); ok && be.Code == CodeServiceDisconnected {
				g.setState(StateDisconnected)
			}
			return out, err
		}
		return out, nil
	})
}

func (g *Gateway) QueryProductDetails(ctx context.Context, productType models.ProductType, productIDs []string) ([]ProductDetails, error) {
	return call(ctx, g, "query_product_details", func(ctx context.Context) ([]ProductDetails, error) {
		return g.platform.QueryProductDetails(ctx, productType, productIDs)
	})
}

func (g *Gateway) QueryActivePurchases(ctx context.Context, productType models.ProductType) ([]models.Purchase, error) {
	return call(ctx, g, "query_purchases", func(ctx context.Context) ([]models.Purchase, error) {
		return g.platform.QueryPurchases(ctx, productType)
	})
}

func (g *Gateway) QueryPurchaseHistory(ctx context.Context, productType models.ProductType) ([]HistoryRecord, error) {
	return call(ctx, g, "query_purchase_history", func(ctx context.Context) ([]HistoryRecord, error) {
		return g.platform.QueryPurchaseHistory(ctx, productType)
	})
}

func (g *Gateway) Acknowledge(ctx context.Context, purchaseToken string) error {
	_, err := call(ctx, g, "acknowledge", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.platform.Acknowledge(ctx, purchaseToken)
	})
	return err
}

func (g *Gateway) Consume(ctx context.Context, purchaseToken string) error {
	_, err := call(ctx, g, "consume", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.platform.Consume(ctx, purchaseToken)
	})
	return err
}

// StoreCountry returns the billing country of the signed-in store account.
func (g *Gateway) StoreCountry(ctx context.Context) (string, error) {
	cfg, err := call(ctx, g, "billing_config", func(ctx context.Context) (Config, error) {
		return g.platform.BillingConfig(ctx)
	})
	if err != nil {
		return "", err
	}
	return cfg.CountryCode, nil
}

// Close ends the platform connection.
func (g *Gateway) Close() {
	g.platform.EndConnection()
	g.setState(StateDisconnected)
}

type flowResult struct {
	purchase *models.Purchase
	err      error
}

// pendingFlow is a single-resolution slot for the purchases-updated callback.
type pendingFlow struct {
	productID string
	done      chan flowResult
	once      sync.Once
}

func (f *pendingFlow) resolve(res flowResult) {
	f.once.Do(func() {
		f.done <- res
	})
}

// Purchase launches the purchase screen on host's UI thread and waits for the
// platform's verdict. A nil purchase with a nil error means the platform
// reported success without handing over a receipt.
func (g *Gateway) Purchase(ctx context.Context, host UIHost, params FlowParams) (*models.Purchase, error) {
	flow := &pendingFlow{productID: params.ProductID, done: make(chan flowResult, 1)}
	if err := g.reserve(flow); err != nil {
		return nil, err
	}
	defer g.release(flow)

	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}

	launched := make(chan error, 1)
	host.RunOnUIThread(func() {
		launched <- g.platform.LaunchBillingFlow(ctx, params)
	})

	select {
	case err := <-launched:
		if err != nil {
			return nil, classify("launch_billing_flow", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-flow.done:
		return res.purchase, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) reserve(flow *pendingFlow) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return ErrPurchaseInFlight
	}
	g.pending = flow
	return nil
}

func (g *Gateway) release(flow *pendingFlow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == flow {
		g.pending = nil
	}
}

func (g *Gateway) onPurchasesUpdated(update PurchasesUpdate) {
	g.mu.Lock()
	flow := g.pending
	g.mu.Unlock()

	if flow == nil {
		// Recovered later from purchase history by the purchase sync.
		g.metrics.UnsolicitedPurchases(len(update.Purchases))
		g.logger.Warn("purchases update without a waiting flow: code=%s purchases=%d", update.Code, len(update.Purchases))
		return
	}
	flow.resolve(resolveUpdate(update, flow.productID))
}

func resolveUpdate(update PurchasesUpdate, productID string) flowResult {
	if update.Code != CodeOK {
		return flowResult{err: &Error{Op: "purchase", Code: update.Code, Message: update.Message}}
	}
	if len(update.Purchases) == 0 {
		return flowResult{}
	}

	var purchased *models.Purchase
	for i := range update.Purchases {
		p := update.Purchases[i]
		if p.State != models.PurchaseStatePurchased {
			continue
		}
		if p.HasProduct(productID) {
			return flowResult{purchase: &p}
		}
		if purchased == nil {
			purchased = &p
		}
	}
	if purchased != nil {
		return flowResult{purchase: purchased}
	}
	return flowResult{err: fmt.Errorf("%w: %s", ErrPendingPurchase, productID)}
}
