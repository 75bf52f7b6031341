package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/database"
	"paykit/internal/metrics"
	"paykit/internal/models"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"gorm": func(t *testing.T) Store {
			db, err := database.OpenMemory(t.Name())
			require.NoError(t, err)
			require.NoError(t, database.Migrate(db, database.ClientModels()...))
			t.Cleanup(func() { database.Close(db, nil) })
			return NewGormStore(db)
		},
		"redis": func(t *testing.T) Store {
			url := os.Getenv("REDIS_URL")
			if url == "" {
				t.Skip("REDIS_URL not set")
			}
			opt, err := redis.ParseURL(url)
			require.NoError(t, err)
			client := redis.NewClient(opt)
			store := NewRedisStore(client, "paykit-test:"+t.Name())
			t.Cleanup(func() {
				client.Del(context.Background(), store.hashKey, store.orderKey)
				client.Close()
			})
			return store
		},
	}
}

func purchase(token, productID string) models.Purchase {
	return models.Purchase{
		PurchaseToken: token,
		ProductIDs:    []string{productID},
		State:         models.PurchaseStatePurchased,
		PurchaseTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func product(productID string) models.PurchasableProduct {
	return models.PurchasableProduct{
		VendorProductID: productID,
		Type:            models.ProductTypeInApp,
		OneTimeOffer:    &models.OneTimeOffer{PriceAmountMicros: 990_000, CurrencyCode: "USD"},
	}
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestLedgerStores(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("one record per token", func(t *testing.T) {
				l := New(newStore(t), WithClock(steppingClock()))
				ctx := context.Background()

				first, err := l.Record(ctx, purchase("tok-1", "sub_monthly"), product("sub_monthly"), errors.New("network down"))
				require.NoError(t, err)
				_, err = l.Record(ctx, purchase("tok-1", "sub_monthly"), product("sub_monthly"), errors.New("still down"))
				require.NoError(t, err)

				pending, err := l.Pending(ctx)
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, first.ID, pending[0].ID)
				assert.Equal(t, "tok-1", pending[0].Token())
				assert.Equal(t, 2, pending[0].Attempts)
				assert.Equal(t, "still down", pending[0].LastError)
				assert.Equal(t, "sub_monthly", pending[0].Product.VendorProductID)
				assert.Equal(t, int64(990_000), pending[0].Product.OneTimeOffer.PriceAmountMicros)
			})

			t.Run("oldest first and remove", func(t *testing.T) {
				l := New(newStore(t), WithClock(steppingClock()))
				ctx := context.Background()

				for _, token := range []string{"a", "b", "c"} {
					_, err := l.Record(ctx, purchase(token, "coins"), product("coins"), nil)
					require.NoError(t, err)
				}
				require.NoError(t, l.Resolve(ctx, "b"))
				require.NoError(t, l.Resolve(ctx, "unknown"))

				pending, err := l.Pending(ctx)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.Equal(t, "a", pending[0].Token())
				assert.Equal(t, "c", pending[1].Token())

				n, err := l.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			})

			t.Run("concurrent appends", func(t *testing.T) {
				l := New(newStore(t))
				ctx := context.Background()

				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := l.Record(ctx, purchase("shared", "coins"), product("coins"), nil)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				pending, err := l.Pending(ctx)
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, 8, pending[0].Attempts)
			})
		})
	}
}

func TestRecordRequiresToken(t *testing.T) {
	l := New(NewMemoryStore())
	_, err := l.Record(context.Background(), models.Purchase{}, product("coins"), nil)
	assert.Error(t, err)
}

func TestLedgerReportsSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := New(NewMemoryStore(), WithMetrics(m))
	ctx := context.Background()

	_, err := l.Record(ctx, purchase("x", "coins"), product("coins"), nil)
	require.NoError(t, err)
	_, err = l.Record(ctx, purchase("y", "coins"), product("coins"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Resolve(ctx, "x"))

	count, err := testutil.GatherAndCount(reg, "paykit_unsynced_purchases")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "paykit_unsynced_purchases" {
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
