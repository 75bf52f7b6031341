package profile

import (
	"context"
	"errors"
	"fmt"

	"paykit/internal/billing"
	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/retry"
)

// Replayer validates a ledger record against the authority and applies the
// resulting profile.
type Replayer interface {
	Replay(ctx context.Context, rec models.UnsyncedPurchaseRecord) (*models.Profile, error)
}

// PendingPurchases is the ledger as seen by the sync.
type PendingPurchases interface {
	Pending(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error)
	Resolve(ctx context.Context, purchaseToken string) error
}

// PurchaseHistory is the platform history source.
type PurchaseHistory interface {
	QueryPurchaseHistory(ctx context.Context, productType models.ProductType) ([]billing.HistoryRecord, error)
}

// ProductResolver prices history entries.
type ProductResolver interface {
	QueryProducts(ctx context.Context, productIDs []string) ([]billing.ProductDetails, error)
}

// SyncDeps are the collaborators SyncPurchases needs. They live in packages
// that depend on the engine, so they are attached after construction.
type SyncDeps struct {
	Replayer Replayer
	Ledger   PendingPurchases
	History  PurchaseHistory
	Products ProductResolver
}

// AttachSync wires the purchase sync collaborators.
func (e *Engine) AttachSync(deps SyncDeps) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.deps = &deps
}

// SyncPurchases reconciles the authority with what the device knows: it
// replays unsynced purchases, then restores history entries the profile does
// not show yet. It always ends with a profile.
func (e *Engine) SyncPurchases(ctx context.Context) (profile *models.Profile, err error) {
	if err := e.checkActivated(); err != nil {
		return nil, err
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.deps == nil {
		return nil, errors.New("purchase sync is not configured")
	}
	defer func() { e.metrics.SyncCompleted(err) }()

	if _, err := e.GetOrCreateProfile(ctx); err != nil {
		return nil, err
	}

	e.replayLedger(ctx)

	history, err := e.history(ctx)
	if err != nil {
		return nil, err
	}

	current, err := e.Current()
	if err != nil {
		return nil, err
	}
	missing := make([]billing.HistoryRecord, 0, len(history))
	for _, rec := range history {
		if !ownsAny(current, rec.ProductIDs) {
			missing = append(missing, rec)
		}
	}
	if len(missing) == 0 {
		return current, nil
	}

	snapshots, err := e.price(ctx, missing)
	if err != nil {
		return nil, err
	}
	restored, err := retry.Do(ctx, e.runner, retry.Restore, func(ctx context.Context) (*models.Profile, error) {
		return e.authority.RestorePurchases(ctx, remote.RestoreRequest{ProfileID: current.ProfileID, Purchases: snapshots})
	})
	if err != nil {
		return nil, fmt.Errorf("restore purchases: %w", err)
	}
	e.logger.Info("restored %d purchases", len(snapshots))
	return e.Apply(ctx, restored)
}

// replayLedger validates every pending record. A record is removed only
// after its validation succeeded; failures are kept for the next sync.
func (e *Engine) replayLedger(ctx context.Context) {
	pending, err := e.deps.Ledger.Pending(ctx)
	if err != nil {
		e.logger.Error("read unsynced purchases: %v", err)
		return
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.deps.Replayer.Replay(ctx, rec); err != nil {
			e.logger.Warn("unsynced purchase %s still failing: %v", rec.Token(), err)
			continue
		}
		if err := e.deps.Ledger.Resolve(ctx, rec.Token()); err != nil {
			e.logger.Error("remove synced purchase %s: %v", rec.Token(), err)
		}
	}
}

// history returns subscription then one-time history, one entry per token.
func (e *Engine) history(ctx context.Context) ([]billing.HistoryRecord, error) {
	seen := make(map[string]struct{})
	var out []billing.HistoryRecord
	for _, productType := range []models.ProductType{models.ProductTypeSubs, models.ProductTypeInApp} {
		records, err := retry.Do(ctx, e.runner, retry.PurchaseQuery, func(ctx context.Context) ([]billing.HistoryRecord, error) {
			return e.deps.History.QueryPurchaseHistory(ctx, productType)
		})
		if err != nil {
			return nil, fmt.Errorf("query %s purchase history: %w", productType, err)
		}
		for _, rec := range records {
			if _, dup := seen[rec.PurchaseToken]; dup || rec.PurchaseToken == "" {
				continue
			}
			seen[rec.PurchaseToken] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Engine) price(ctx context.Context, records []billing.HistoryRecord) ([]remote.PurchaseSnapshot, error) {
	var ids []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, id := range rec.ProductIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	found, err := e.deps.Products.QueryProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve restored products: %w", err)
	}
	details := make(map[string]billing.ProductDetails, len(found))
	for _, d := range found {
		if _, ok := details[d.ProductID]; !ok {
			details[d.ProductID] = d
		}
	}

	out := make([]remote.PurchaseSnapshot, 0, len(records))
	for _, rec := range records {
		if len(rec.ProductIDs) == 0 {
			continue
		}
		productID := rec.ProductIDs[0]
		d, ok := details[productID]
		if !ok {
			// The authority can still verify the token without a price.
			d = billing.ProductDetails{ProductID: productID}
		}
		out = append(out, remote.SnapshotOfHistory(rec, d))
	}
	return out, nil
}

func ownsAny(profile *models.Profile, productIDs []string) bool {
	for _, id := range productIDs {
		if profile.OwnsProduct(id) {
			return true
		}
	}
	return false
}
