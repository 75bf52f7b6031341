package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/billing"
	"paykit/internal/ledger"
	"paykit/internal/models"
)

type replayFunc func(ctx context.Context, rec models.UnsyncedPurchaseRecord) (*models.Profile, error)

func (f replayFunc) Replay(ctx context.Context, rec models.UnsyncedPurchaseRecord) (*models.Profile, error) {
	return f(ctx, rec)
}

type staticHistory map[models.ProductType][]billing.HistoryRecord

func (h staticHistory) QueryPurchaseHistory(_ context.Context, productType models.ProductType) ([]billing.HistoryRecord, error) {
	return h[productType], nil
}

type staticProducts []billing.ProductDetails

func (p staticProducts) QueryProducts(_ context.Context, ids []string) ([]billing.ProductDetails, error) {
	var out []billing.ProductDetails
	for _, d := range p {
		for _, id := range ids {
			if d.ProductID == id {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

var catalog = staticProducts{
	{ProductID: "coins", Type: models.ProductTypeInApp, OneTimeOffer: &models.OneTimeOffer{PriceAmountMicros: 990_000, CurrencyCode: "USD"}},
	{ProductID: "lifetime", Type: models.ProductTypeInApp, OneTimeOffer: &models.OneTimeOffer{PriceAmountMicros: 49_990_000, CurrencyCode: "USD"}},
}

func history(entries ...billing.HistoryRecord) staticHistory {
	return staticHistory{models.ProductTypeInApp: entries}
}

func entry(token, productID string) billing.HistoryRecord {
	return billing.HistoryRecord{PurchaseToken: token, ProductIDs: []string{productID}, PurchaseTime: time.Now()}
}

func TestSyncRequiresAttachedCollaborators(t *testing.T) {
	e := newEngine(t, newFakeAuthority(), newStorage(t))
	_, err := e.SyncPurchases(context.Background())
	assert.Error(t, err)
}

func TestSyncRestoresOnlyUnownedHistory(t *testing.T) {
	authority := newFakeAuthority()
	authority.profile.NonSubscriptions = map[string][]models.NonSubscription{
		"lifetime": {{PurchaseID: "t-old", VendorProductID: "lifetime"}},
	}
	e := newEngine(t, authority, newStorage(t))
	e.AttachSync(SyncDeps{
		Replayer: replayFunc(func(context.Context, models.UnsyncedPurchaseRecord) (*models.Profile, error) {
			t.Fatal("ledger is empty")
			return nil, nil
		}),
		Ledger:   ledger.New(ledger.NewMemoryStore()),
		History:  history(entry("t-old", "lifetime"), entry("t-new", "coins"), entry("t-new", "coins")),
		Products: catalog,
	})

	profile, err := e.SyncPurchases(context.Background())
	require.NoError(t, err)
	require.Len(t, authority.restores, 1)
	sent := authority.restores[0]
	assert.Equal(t, "p-1", sent.ProfileID)
	require.Len(t, sent.Purchases, 1)
	assert.Equal(t, "t-new", sent.Purchases[0].PurchaseToken)
	assert.Equal(t, int64(990_000), sent.Purchases[0].PriceAmountMicros)
	assert.True(t, profile.OwnsProduct("coins"))

	// Nothing new on the platform: same profile, no request.
	again, err := e.SyncPurchases(context.Background())
	require.NoError(t, err)
	assert.Len(t, authority.restores, 1)
	assert.Equal(t, profile, again)
}

func TestSyncReplaysLedgerAndKeepsFailures(t *testing.T) {
	authority := newFakeAuthority()
	e := newEngine(t, authority, newStorage(t))
	l := ledger.New(ledger.NewMemoryStore())
	ctx := context.Background()

	for _, token := range []string{"ok-1", "bad-1", "ok-2"} {
		_, err := l.Record(ctx, models.Purchase{PurchaseToken: token, ProductIDs: []string{"coins"}}, models.PurchasableProduct{VendorProductID: "coins"}, errors.New("offline"))
		require.NoError(t, err)
	}

	var replayed []string
	e.AttachSync(SyncDeps{
		Replayer: replayFunc(func(ctx context.Context, rec models.UnsyncedPurchaseRecord) (*models.Profile, error) {
			replayed = append(replayed, rec.Token())
			if rec.Token() == "bad-1" {
				return nil, errors.New("authority rejected")
			}
			return e.Apply(ctx, &models.Profile{ProfileID: "p-1"})
		}),
		Ledger:   l,
		History:  staticHistory{},
		Products: catalog,
	})

	_, err := e.SyncPurchases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-1", "bad-1", "ok-2"}, replayed)

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad-1", pending[0].Token())
	assert.Empty(t, authority.restores)
}

func TestSyncFailsWithoutProfile(t *testing.T) {
	authority := newFakeAuthority()
	authority.fail(offline(), offline(), offline())
	e := newEngine(t, authority, newStorage(t))
	e.AttachSync(SyncDeps{Ledger: ledger.New(ledger.NewMemoryStore()), History: staticHistory{}, Products: catalog})

	_, err := e.SyncPurchases(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateTemporary, e.State())
}

func TestSyncRestoreFailureSurfaces(t *testing.T) {
	authority := newFakeAuthority()
	e := newEngine(t, authority, newStorage(t))
	e.AttachSync(SyncDeps{
		Ledger:   ledger.New(ledger.NewMemoryStore()),
		History:  history(entry("t-1", "coins")),
		Products: catalog,
	})
	_, err := e.GetOrCreateProfile(context.Background())
	require.NoError(t, err)

	authority.fail(offline(), offline(), offline())
	_, err = e.SyncPurchases(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore purchases")
}
