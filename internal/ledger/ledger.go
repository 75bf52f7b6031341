package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"paykit/internal/metrics"
	"paykit/internal/models"
	"paykit/pkg/logging"
)

// Ledger records purchases that still need remote validation.
type Ledger struct {
	store   Store
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time
}

type Option func(*Ledger)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger logging.Logger) Option {
	return func(l *Ledger) { l.logger = logging.OrNop(logger) }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logging.NewComponentLogger("ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores purchase as unsynced. Recording the same token again keeps a
// single record and bumps its attempt count.
func (l *Ledger) Record(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct, cause error) (models.UnsyncedPurchaseRecord, error) {
	if purchase.PurchaseToken == "" {
		return models.UnsyncedPurchaseRecord{}, errors.New("ledger: purchase token is required")
	}
	now := l.now().UTC()
	rec := models.UnsyncedPurchaseRecord{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Purchase:  purchase,
		Product:   product,
		Attempts:  1,
		CreatedAt: now,
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return models.UnsyncedPurchaseRecord{}, err
	}
	l.logger.Warn("purchase %s kept for later validation: %v", purchase.PurchaseToken, cause)
	l.refresh(ctx)
	return rec, nil
}

// Resolve drops the record of a purchase the authority accepted.
func (l *Ledger) Resolve(ctx context.Context, purchaseToken string) error {
	if err := l.store.Remove(ctx, purchaseToken); err != nil {
		return err
	}
	l.refresh(ctx)
	return nil
}

// Pending lists records oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error) {
	return l.store.List(ctx)
}

func (l *Ledger) Len(ctx context.Context) (int, error) {
	return l.store.Len(ctx)
}

func (l *Ledger) refresh(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	n, err := l.store.Len(ctx)
	if err != nil {
		l.logger.Debug("ledger size unavailable: %v", err)
		return
	}
	l.metrics.LedgerSize(n)
}
