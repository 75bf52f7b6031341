// Package products resolves platform product details and turns paywall
// entries into purchasable offers.
package products

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"paykit/internal/billing"
	"paykit/internal/models"
	"paykit/internal/retry"
	"paykit/pkg/logging"
)

var (
	// ErrProductNotFound is returned when the platform does not know a product
	// under the requested type.
	ErrProductNotFound = errors.New("product id not found for this purchase type")

	// ErrOfferNotFound is returned when a subscription has no base plan or
	// offer matching the paywall entry.
	ErrOfferNotFound = errors.New("subscription offer not found")
)

const defaultCacheSize = 256

// DetailsSource is the part of the billing gateway the service needs.
type DetailsSource interface {
	QueryProductDetails(ctx context.Context, productType models.ProductType, productIDs []string) ([]billing.ProductDetails, error)
}

// Service queries product details through the gateway under the product
// query retry policy and keeps recent answers in memory.
type Service struct {
	source DetailsSource
	runner *retry.Runner
	cache  *expirable.LRU[string, billing.ProductDetails]
	logger logging.Logger
}

type Option func(*Service)

// WithCacheTTL keeps resolved details for ttl. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl <= 0 {
			s.cache = nil
			return
		}
		s.cache = expirable.NewLRU[string, billing.ProductDetails](defaultCacheSize, nil, ttl)
	}
}

func WithRunner(r *retry.Runner) Option {
	return func(s *Service) { s.runner = r }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func NewService(source DetailsSource, opts ...Option) *Service {
	s := &Service{
		source: source,
		logger: logging.NewComponentLogger("products"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(productType models.ProductType, productID string) string {
	return string(productType) + "/" + productID
}

// QueryProducts looks up ids as subscriptions and one-time products at the
// same time. Subscriptions come first in the result; unknown ids are left out.
func (s *Service) QueryProducts(ctx context.Context, productIDs []string) ([]billing.ProductDetails, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	var subs, inapp []billing.ProductDetails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		subs, err = s.queryType(gctx, models.ProductTypeSubs, productIDs)
		return err
	})
	g.Go(func() error {
		var err error
		inapp, err = s.queryType(gctx, models.ProductTypeInApp, productIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]billing.ProductDetails, 0, len(subs)+len(inapp))
	out = append(out, subs...)
	return append(out, inapp...), nil
}

// QueryProduct resolves a single product of a known type.
func (s *Service) QueryProduct(ctx context.Context, productID string, productType models.ProductType) (billing.ProductDetails, error) {
	found, err := s.queryType(ctx, productType, []string{productID})
	if err != nil {
		return billing.ProductDetails{}, err
	}
	for _, details := range found {
		if details.ProductID == productID {
			return details, nil
		}
	}
	return billing.ProductDetails{}, fmt.Errorf("%w: %s (%s)", ErrProductNotFound, productID, productType)
}

func (s *Service) queryType(ctx context.Context, productType models.ProductType, productIDs []string) ([]billing.ProductDetails, error) {
	cached := make(map[string]billing.ProductDetails, len(productIDs))
	var missing []string
	for _, id := range productIDs {
		if s.cache != nil {
			if details, ok := s.cache.Get(cacheKey(productType, id)); ok {
				cached[id] = details
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := retry.Do(ctx, s.runner, retry.ProductQuery, func(ctx context.Context) ([]billing.ProductDetails, error) {
			return s.source.QueryProductDetails(ctx, productType, missing)
		})
		if err != nil {
			return nil, fmt.Errorf("query %s product details: %w", productType, err)
		}
		for _, details := range fetched {
			cached[details.ProductID] = details
			if s.cache != nil {
				s.cache.Add(cacheKey(productType, details.ProductID), details)
			}
		}
	}

	// Keep the caller's order.
	out := make([]billing.ProductDetails, 0, len(cached))
	for _, id := range productIDs {
		if details, ok := cached[id]; ok {
			out = append(out, details)
			delete(cached, id)
		}
	}
	return out, nil
}

// Purchasable combines platform details with the paywall entry that offered
// the product.
func Purchasable(details billing.ProductDetails, entry models.PaywallProduct, paywall *models.Paywall) (models.PurchasableProduct, error) {
	product := models.PurchasableProduct{
		VendorProductID: details.ProductID,
		Type:            details.Type,
		IsConsumable:    entry.IsConsumable,
	}
	if paywall != nil {
		product.PlacementID = paywall.PlacementID
		product.PaywallID = paywall.PaywallID
		product.PaywallVariationID = paywall.VariationID
		product.ABTestName = paywall.ABTestName
	}

	switch details.Type {
	case models.ProductTypeSubs:
		offer, ok := details.FindOffer(entry.BasePlanID, entry.OfferID)
		if !ok {
			return models.PurchasableProduct{}, fmt.Errorf("%w: %s base plan %q offer %q", ErrOfferNotFound, details.ProductID, entry.BasePlanID, entry.OfferID)
		}
		product.SubscriptionOffer = &offer
		product.IsConsumable = false
	case models.ProductTypeInApp:
		if details.OneTimeOffer != nil {
			offer := *details.OneTimeOffer
			product.OneTimeOffer = &offer
		}
	}

	if err := product.Validate(); err != nil {
		return models.PurchasableProduct{}, err
	}
	return product, nil
}

// PaywallProducts resolves the paywall's products. Entries the platform does
// not know, or whose offer is gone, are skipped.
func (s *Service) PaywallProducts(ctx context.Context, paywall *models.Paywall) ([]models.PurchasableProduct, error) {
	if paywall == nil || len(paywall.Products) == 0 {
		return []models.PurchasableProduct{}, nil
	}

	ids := make([]string, 0, len(paywall.Products))
	for _, entry := range paywall.Products {
		ids = append(ids, entry.VendorProductID)
	}
	found, err := s.QueryProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.PurchasableProduct, 0, len(paywall.Products))
	for _, entry := range paywall.Products {
		details, ok := pick(found, entry)
		if !ok {
			s.logger.Warn("paywall %s: product %s not available", paywall.PaywallID, entry.VendorProductID)
			continue
		}
		product, err := Purchasable(details, entry, paywall)
		if err != nil {
			s.logger.Warn("paywall %s: %v", paywall.PaywallID, err)
			continue
		}
		out = append(out, product)
	}
	return out, nil
}

func pick(found []billing.ProductDetails, entry models.PaywallProduct) (billing.ProductDetails, bool) {
	for _, details := range found {
		if details.ProductID != entry.VendorProductID {
			continue
		}
		if entry.Type == "" || entry.Type == details.Type {
			return details, true
		}
	}
	return billing.ProductDetails{}, false
}
