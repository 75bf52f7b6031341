package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"paykit/internal/models"
)

// ProfileCacheTTL bounds how long a cached profile document is served.
const ProfileCacheTTL = 10 * time.Minute

// ProfileCache keeps rendered profile documents in Redis. A nil
// *ProfileCache caches nothing.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProfileCache creates a cache on client; nil client disables caching.
func NewProfileCache(client *redis.Client) *ProfileCache {
	if client == nil {
		return nil
	}
	return &ProfileCache{client: client, ttl: ProfileCacheTTL}
}

func profileKey(projectID, profileID string) string {
	return fmt.Sprintf("profile:%s:%s", projectID, profileID)
}

// Get returns the cached document, or nil when there is none.
func (r *ProfileCache) Get(ctx context.Context, projectID, profileID string) (*models.Profile, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := r.client.Get(ctx, profileKey(projectID, profileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var profile models.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Set stores profile until the TTL expires.
func (r *ProfileCache) Set(ctx context.Context, projectID string, profile *models.Profile) error {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, profileKey(projectID, profile.ProfileID), raw, r.ttl).Err()
}

// Invalidate drops the cached document.
func (r *ProfileCache) Invalidate(ctx context.Context, projectID, profileID string) error {
	if r == nil {
		return nil
	}
	return r.client.Del(ctx, profileKey(projectID, profileID)).Err()
}
