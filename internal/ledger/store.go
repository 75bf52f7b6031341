// Package ledger keeps platform-confirmed purchases the remote authority has
// not accepted yet, so they can be replayed later.
package ledger

import (
	"context"
	"slices"
	"sync"

	"paykit/internal/models"
)

// Store persists unsynced purchase records keyed by purchase token.
//
// Append is an upsert: appending a token that is already stored keeps the
// original record id and creation time, replaces the snapshots and counts
// one more attempt.
type Store interface {
	Append(ctx context.Context, rec models.UnsyncedPurchaseRecord) error
	Remove(ctx context.Context, purchaseToken string) error
	List(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.UnsyncedPurchaseRecord
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.UnsyncedPurchaseRecord)}
}

func (s *MemoryStore) Append(_ context.Context, rec models.UnsyncedPurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := rec.Token()
	if existing, ok := s.records[token]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Attempts = existing.Attempts + 1
	} else {
		s.order = append(s.order, token)
	}
	s.records[token] = rec
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, purchaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[purchaseToken]; !ok {
		return nil
	}
	delete(s.records, purchaseToken)
	s.order = slices.DeleteFunc(s.order, func(t string) bool { return t == purchaseToken })
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.UnsyncedPurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.UnsyncedPurchaseRecord, 0, len(s.order))
	for _, token := range s.order {
		out = append(out, s.records[token])
	}
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

var _ Store = (*MemoryStore)(nil)
