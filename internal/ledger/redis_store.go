package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"paykit/internal/models"
)

const maxWatchRetries = 10

// RedisStore keeps records in a hash (token -> JSON) and orders them with a
// sorted set scored by creation time. Appends run under WATCH so concurrent
// writers from several processes cannot lose an update.
type RedisStore struct {
	client   *redis.Client
	hashKey  string
	orderKey string
}

// NewRedisStore stores records under keys prefixed with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "paykit"
	}
	return &RedisStore{
		client:   client,
		hashKey:  prefix + ":unsynced_purchases",
		orderKey: prefix + ":unsynced_purchases:order",
	}
}

func (s *RedisStore) Append(ctx context.Context, rec models.UnsyncedPurchaseRecord) error {
	token := rec.Token()
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.hashKey, token).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing models.UnsyncedPurchaseRecord
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return fmt.Errorf("decode stored record: %w", err)
			}
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.Attempts = existing.Attempts + 1
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.hashKey, token, data)
			pipe.ZAddNX(ctx, s.orderKey, redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: token})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, s.hashKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append unsynced purchase %s: %w", token, err)
		}
		return nil
	}
	return fmt.Errorf("append unsynced purchase %s: too much contention", token)
}

func (s *RedisStore) Remove(ctx context.Context, purchaseToken string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.hashKey, purchaseToken)
		pipe.ZRem(ctx, s.orderKey, purchaseToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove unsynced purchase %s: %w", purchaseToken, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error) {
	tokens, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list unsynced purchases: %w", err)
	}
	if len(tokens) == 0 {
		return []models.UnsyncedPurchaseRecord{}, nil
	}

	values, err := s.client.HMGet(ctx, s.hashKey, tokens...).Result()
	if err != nil {
		return nil, fmt.Errorf("list unsynced purchases: %w", err)
	}
	out := make([]models.UnsyncedPurchaseRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Removed between the two reads.
			continue
		}
		var rec models.UnsyncedPurchaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode unsynced purchase %s: %w", tokens[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.hashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count unsynced purchases: %w", err)
	}
	return int(n), nil
}

var _ Store = (*RedisStore)(nil)
