package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// SellableCache caches sellable quantities in Redis with a short TTL. The
// validator it backs is advisory, so staleness within the TTL is fine and
// every cache failure degrades to a direct ledger read.
type SellableCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSellableCache creates a Redis-backed sellable cache.
func NewSellableCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SellableCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &SellableCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(ref repository.ProductRef) string {
	if ref.VariantID != "" {
		return fmt.Sprintf("sellable:variant:%s:%s", ref.VariantID, ref.LocationID)
	}
	return fmt.Sprintf("sellable:product:%s:%s", ref.ProductID, ref.LocationID)
}

// Get returns the cached sellable quantity, if present.
func (c *SellableCache) Get(ctx context.Context, ref repository.ProductRef) (int64, bool) {
	val, err := c.client.Get(ctx, cacheKey(ref)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("sellable cache read failed", zap.Error(err))
		}
		return 0, false
	}
	sellable, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return sellable, true
}

// Set stores a sellable quantity with the cache TTL. Best effort.
func (c *SellableCache) Set(ctx context.Context, ref repository.ProductRef, sellable int64) {
	if err := c.client.Set(ctx, cacheKey(ref), strconv.FormatInt(sellable, 10), c.ttl).Err(); err != nil {
		c.logger.Warn("sellable cache write failed", zap.Error(err))
	}
}
