package products

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/billing"
	"paykit/internal/billing/sandbox"
	"paykit/internal/models"
	"paykit/internal/retry"
)

func newService(t *testing.T, opts ...Option) (*Service, *sandbox.Platform) {
	t.Helper()
	platform := sandbox.New()
	platform.AddSubscription("sub_monthly", "monthly", "P1M", 4_990_000, "USD")
	platform.AddSubscription("sub_yearly", "yearly", "P1Y", 39_990_000, "USD")
	platform.AddOneTime("coins_100", 990_000, "USD")
	gw := billing.NewGateway(platform)
	t.Cleanup(gw.Close)
	opts = append([]Option{WithRunner(&retry.Runner{Immediate: true})}, opts...)
	return NewService(gw, opts...), platform
}

func ids(details []billing.ProductDetails) []string {
	out := make([]string, 0, len(details))
	for _, d := range details {
		out = append(out, d.ProductID)
	}
	return out
}

func TestQueryProductsListsSubscriptionsFirstAndSkipsUnknown(t *testing.T) {
	svc, _ := newService(t)

	found, err := svc.QueryProducts(context.Background(), []string{"coins_100", "missing", "sub_yearly", "sub_monthly"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_yearly", "sub_monthly", "coins_100"}, ids(found))
}

func TestQueryProductNotFoundForType(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.QueryProduct(context.Background(), "coins_100", models.ProductTypeSubs)
	require.ErrorIs(t, err, ErrProductNotFound)
	assert.Contains(t, err.Error(), "product id not found for this purchase type")

	details, err := svc.QueryProduct(context.Background(), "coins_100", models.ProductTypeInApp)
	require.NoError(t, err)
	assert.Equal(t, models.ProductTypeInApp, details.Type)
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	svc, platform := newService(t)
	platform.FailNext(sandbox.OpProducts, billing.NewError("", billing.CodeNetworkError, "offline"))

	details, err := svc.QueryProduct(context.Background(), "sub_monthly", models.ProductTypeSubs)
	require.NoError(t, err)
	assert.Equal(t, "sub_monthly", details.ProductID)
}

func TestQueryStopsOnBusinessError(t *testing.T) {
	svc, platform := newService(t)
	platform.FailNext(sandbox.OpProducts, billing.NewError("", billing.CodeBillingUnavailable, "no account"))

	_, err := svc.QueryProduct(context.Background(), "sub_monthly", models.ProductTypeSubs)
	assert.True(t, billing.HasCode(err, billing.CodeBillingUnavailable))
}

func TestCachedDetailsSkipThePlatform(t *testing.T) {
	svc, platform := newService(t, WithCacheTTL(time.Minute))
	ctx := context.Background()

	_, err := svc.QueryProduct(ctx, "sub_monthly", models.ProductTypeSubs)
	require.NoError(t, err)

	platform.FailNext(sandbox.OpProducts, billing.NewError("", billing.CodeBillingUnavailable, "down"))
	details, err := svc.QueryProduct(ctx, "sub_monthly", models.ProductTypeSubs)
	require.NoError(t, err)
	assert.Equal(t, "sub_monthly", details.ProductID)
}

func TestPurchasableSelectsOffer(t *testing.T) {
	details := billing.ProductDetails{
		ProductID: "sub_monthly",
		Type:      models.ProductTypeSubs,
		SubscriptionOffers: []models.SubscriptionOffer{
			{BasePlanID: "monthly", OfferToken: "base"},
			{BasePlanID: "monthly", OfferID: "trial", OfferToken: "trial"},
		},
	}
	paywall := &models.Paywall{PaywallID: "pw", PlacementID: "onboarding", VariationID: "v1", ABTestName: "price-test"}

	product, err := Purchasable(details, models.PaywallProduct{VendorProductID: "sub_monthly", BasePlanID: "monthly", OfferID: "trial"}, paywall)
	require.NoError(t, err)
	assert.Equal(t, "trial", product.SubscriptionOffer.OfferToken)
	assert.Nil(t, product.OneTimeOffer)
	assert.Equal(t, "onboarding", product.PlacementID)
	assert.Equal(t, "v1", product.PaywallVariationID)
	assert.Equal(t, "price-test", product.ABTestName)

	_, err = Purchasable(details, models.PaywallProduct{VendorProductID: "sub_monthly", BasePlanID: "weekly"}, paywall)
	assert.ErrorIs(t, err, ErrOfferNotFound)
}

func TestPurchasableOneTime(t *testing.T) {
	details := billing.ProductDetails{
		ProductID:    "coins_100",
		Type:         models.ProductTypeInApp,
		OneTimeOffer: &models.OneTimeOffer{PriceAmountMicros: 990_000, CurrencyCode: "USD"},
	}
	product, err := Purchasable(details, models.PaywallProduct{VendorProductID: "coins_100", IsConsumable: true}, nil)
	require.NoError(t, err)
	assert.True(t, product.IsConsumable)
	micros, currency := product.Price()
	assert.Equal(t, int64(990_000), micros)
	assert.Equal(t, "USD", currency)

	_, err = Purchasable(billing.ProductDetails{ProductID: "broken", Type: models.ProductTypeInApp}, models.PaywallProduct{}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidProduct)
}

func TestPaywallProducts(t *testing.T) {
	svc, _ := newService(t)
	paywall := &models.Paywall{
		PaywallID:   "pw_default",
		PlacementID: "onboarding",
		Products: []models.PaywallProduct{
			{VendorProductID: "sub_monthly", BasePlanID: "monthly"},
			{VendorProductID: "sub_yearly", BasePlanID: "gone"},
			{VendorProductID: "coins_100", Type: models.ProductTypeInApp, IsConsumable: true},
			{VendorProductID: "missing"},
		},
	}

	got, err := svc.PaywallProducts(context.Background(), paywall)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sub_monthly", got[0].VendorProductID)
	assert.Equal(t, "coins_100", got[1].VendorProductID)
	assert.Equal(t, "pw_default", got[1].PaywallID)
}
