package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/jobs/opsmonitor/internal/domain/errs"
)

const FallbackKey = "system:health:last_valid"

// FallbackCache stores the last non-unhealthy snapshot. Get returns nil, nil
// when nothing is cached.
type FallbackCache interface {
	Get(ctx context.Context) (*Snapshot, error)
	Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error
}

type RedisFallbackCache struct {
	client redis.UniversalClient
	key    string
}

func NewRedisFallbackCache(client redis.UniversalClient) *RedisFallbackCache {
	return &RedisFallbackCache{client: client, key: FallbackKey}
}

func (c *RedisFallbackCache) Get(ctx context.Context) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(err, "health cache")
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, errors.Wrap(err, "decode cached health snapshot")
	}
	return &snapshot, nil
}

func (c *RedisFallbackCache) Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "encode health snapshot")
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return errs.Unavailable(err, "health cache")
	}
	return nil
}
