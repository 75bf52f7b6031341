package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/billing"
	"paykit/internal/billing/sandbox"
	"paykit/internal/models"
)

func newGateway(t *testing.T) (*billing.Gateway, *sandbox.Platform) {
	t.Helper()
	platform := sandbox.New()
	platform.AddSubscription("sub_monthly", "monthly", "P1M", 4_990_000, "USD")
	platform.AddOneTime("coins_100", 990_000, "USD")
	return billing.NewGateway(platform), platform
}

func TestConcurrentCallsShareOneConnectAttempt(t *testing.T) {
	gw, platform := newGateway(t)
	platform.ConnectDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gw.QueryProductDetails(context.Background(), models.ProductTypeSubs, []string{"sub_monthly"})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, platform.ConnectCalls())
	assert.Equal(t, billing.StateConnected, gw.State())
}

func TestConnectFailureIsClassifiedAndNotRetried(t *testing.T) {
	gw, platform := newGateway(t)
	platform.FailNext(sandbox.OpConnect, errors.New("binder died"))

	_, err := gw.QueryActivePurchases(context.Background(), models.ProductTypeSubs)
	require.Error(t, err)

	be, ok := billing.AsError(err)
	require.True(t, ok)
	assert.Equal(t, billing.CodeError, be.Code)
	assert.Equal(t, 1, platform.ConnectCalls())
	assert.Equal(t, billing.StateDisconnected, gw.State())

	_, err = gw.QueryActivePurchases(context.Background(), models.ProductTypeSubs)
	require.NoError(t, err)
	assert.Equal(t, 2, platform.ConnectCalls())
}

func TestConnectKeepsPlatformClassification(t *testing.T) {
	gw, platform := newGateway(t)
	platform.FailNext(sandbox.OpConnect, billing.NewError("", billing.CodeServiceUnavailable, "no play store"))

	_, err := gw.StoreCountry(context.Background())
	assert.True(t, billing.HasCode(err, billing.CodeServiceUnavailable))
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	gw, platform := newGateway(t)
	ctx := context.Background()

	_, err := gw.StoreCountry(ctx)
	require.NoError(t, err)
	platform.Disconnect()
	assert.Equal(t, billing.StateDisconnected, gw.State())

	country, err := gw.StoreCountry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "US", country)
	assert.Equal(t, 2, platform.ConnectCalls())
}

func TestPurchaseResolvesPurchased(t *testing.T) {
	gw, _ := newGateway(t)

	purchase, err := gw.Purchase(context.Background(), billing.ImmediateUIHost, billing.FlowParams{
		ProductID:   "sub_monthly",
		ProductType: models.ProductTypeSubs,
		OfferToken:  "offer-token-sub_monthly-monthly",
	})
	require.NoError(t, err)
	require.NotNil(t, purchase)
	assert.True(t, purchase.HasProduct("sub_monthly"))
	assert.Equal(t, models.PurchaseStatePurchased, purchase.State)
}

func TestPurchaseOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome sandbox.Outcome
		check   func(t *testing.T, purchase *models.Purchase, err error)
	}{
		{
			name:    "user canceled",
			outcome: sandbox.Outcome{Code: billing.CodeUserCanceled},
			check: func(t *testing.T, purchase *models.Purchase, err error) {
				assert.Nil(t, purchase)
				assert.True(t, billing.HasCode(err, billing.CodeUserCanceled))
			},
		},
		{
			name:    "pending",
			outcome: sandbox.Outcome{Code: billing.CodeOK, State: models.PurchaseStatePending},
			check: func(t *testing.T, purchase *models.Purchase, err error) {
				assert.Nil(t, purchase)
				assert.ErrorIs(t, err, billing.ErrPendingPurchase)
			},
		},
		{
			name:    "ok without purchase",
			outcome: sandbox.Outcome{Code: billing.CodeOK, NoPurchase: true},
			check: func(t *testing.T, purchase *models.Purchase, err error) {
				assert.NoError(t, err)
				assert.Nil(t, purchase)
			},
		},
		{
			name:    "item unavailable",
			outcome: sandbox.Outcome{Code: billing.CodeItemUnavailable, Message: "region locked"},
			check: func(t *testing.T, purchase *models.Purchase, err error) {
				assert.True(t, billing.HasCode(err, billing.CodeItemUnavailable))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, platform := newGateway(t)
			platform.QueueOutcome(tt.outcome)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			purchase, err := gw.Purchase(ctx, billing.ImmediateUIHost, billing.FlowParams{ProductID: "coins_100", ProductType: models.ProductTypeInApp})
			tt.check(t, purchase, err)
		})
	}
}

func TestLaunchFailureSurfacesClassified(t *testing.T) {
	gw, platform := newGateway(t)
	platform.FailNext(sandbox.OpLaunch, billing.NewError("", billing.CodeDeveloperError, "bad offer token"))

	_, err := gw.Purchase(context.Background(), billing.ImmediateUIHost, billing.FlowParams{ProductID: "coins_100"})
	assert.True(t, billing.HasCode(err, billing.CodeDeveloperError))
}

// parkedHost holds launches until released, keeping a flow outstanding.
type parkedHost struct {
	mu  sync.Mutex
	fns []func()
	got chan struct{}
}

func (h *parkedHost) RunOnUIThread(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *parkedHost) releaseAll() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestSecondPurchaseFlowIsRejectedWhileOneIsPending(t *testing.T) {
	gw, _ := newGateway(t)
	host := &parkedHost{got: make(chan struct{}, 1)}

	type result struct {
		purchase *models.Purchase
		err      error
	}
	first := make(chan result, 1)
	go func() {
		p, err := gw.Purchase(context.Background(), host, billing.FlowParams{ProductID: "coins_100"})
		first <- result{p, err}
	}()
	<-host.got

	_, err := gw.Purchase(context.Background(), billing.ImmediateUIHost, billing.FlowParams{ProductID: "sub_monthly"})
	assert.ErrorIs(t, err, billing.ErrPurchaseInFlight)

	host.releaseAll()
	res := <-first
	require.NoError(t, res.err)
	assert.True(t, res.purchase.HasProduct("coins_100"))
}

func TestUnsolicitedUpdateIsIgnored(t *testing.T) {
	gw, platform := newGateway(t)
	platform.Deliver(billing.PurchasesUpdate{Code: billing.CodeOK, Purchases: []models.Purchase{{PurchaseToken: "late"}}})

	// The next flow must not observe the stale update.
	purchase, err := gw.Purchase(context.Background(), billing.ImmediateUIHost, billing.FlowParams{ProductID: "coins_100"})
	require.NoError(t, err)
	assert.NotEqual(t, "late", purchase.PurchaseToken)
}

func TestPurchaseHonorsContext(t *testing.T) {
	gw, _ := newGateway(t)
	host := &parkedHost{got: make(chan struct{}, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.Purchase(ctx, host, billing.FlowParams{ProductID: "coins_100"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The slot is free again.
	_, err = gw.Purchase(context.Background(), billing.ImmediateUIHost, billing.FlowParams{ProductID: "coins_100"})
	assert.NoError(t, err)
}
