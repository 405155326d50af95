package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "risk:signal:"

// CachedScorer wraps a Scorer with a Redis cache. Entries are invalidated
// explicitly whenever an order transition lands for the partner; the TTL is
// only a backstop. Cache failures degrade to a fresh computation.
type CachedScorer struct {
	scorer *Scorer
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedScorer creates a scorer with redis-backed caching
func NewCachedScorer(scorer *Scorer, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedScorer {
	return &CachedScorer{
		scorer: scorer,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Score returns the cached signal when present, otherwise computes and caches
func (c *CachedScorer) Score(ctx context.Context, partnerID string) (*Signal, error) {
	key := cacheKeyPrefix + partnerID

	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var signal Signal
		if err := json.Unmarshal(cached, &signal); err == nil {
			return &signal, nil
		}
		c.logger.Warn("Discarding malformed cached risk signal", "partner_id", partnerID)
	} else if err != redis.Nil {
		c.logger.Warn("Risk cache read failed, computing fresh", "partner_id", partnerID, "error", err)
	}

	signal, err := c.scorer.Score(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(signal); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("Risk cache write failed", "partner_id", partnerID, "error", err)
		}
	}

	return signal, nil
}

// Invalidate drops the cached signal for a partner. Called on every order
// transition that changes the partner's history.
func (c *CachedScorer) Invalidate(ctx context.Context, partnerID string) {
	if err := c.client.Del(ctx, cacheKeyPrefix+partnerID).Err(); err != nil {
		c.logger.Warn("Risk cache invalidation failed", "partner_id", partnerID, "error", err)
	}
}

// NewClient creates a redis client from host/port credentials
func NewClient(host string, port int, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
