package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"engagement-analytics/internal/models"
)

// ProfileCache is a Redis read-through cache for enriched visitor profiles.
// The Postgres row stays authoritative; the enricher invalidates the key on
// every merge.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, ttl: ttl}
}

func profileKey(aid string) string {
	return "profile:" + aid
}

// Get returns the cached profile, or found=false on a miss. Cache errors are
// returned so callers can decide to fall through to Postgres.
func (c *ProfileCache) Get(ctx context.Context, aid string) (models.VisitorProfile, bool, error) {
	raw, err := c.client.Get(ctx, profileKey(aid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.VisitorProfile{}, false, nil
	}
	if err != nil {
		return models.VisitorProfile{}, false, err
	}
	var p models.VisitorProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.VisitorProfile{}, false, err
	}
	return p, true, nil
}

// Set stores the profile under its aid for the configured TTL.
func (c *ProfileCache) Set(ctx context.Context, p models.VisitorProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, profileKey(p.AID), raw, c.ttl).Err()
}

// Invalidate drops the cached entry after a merge so the next read sees the
// stored bag.
func (c *ProfileCache) Invalidate(ctx context.Context, aid string) error {
	return c.client.Del(ctx, profileKey(aid)).Err()
}
