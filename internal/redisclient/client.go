package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	settledKeyPrefix = "settled:"
	goldPriceKey     = "gold:spot"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkChargeSettled records that a charge has been fully settled. Set only
// after settlement completes; it is a read-through fast path, never the
// source of truth for idempotency.
func (c *Client) MarkChargeSettled(ctx context.Context, chargeID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, settledKeyPrefix+chargeID, "1", ttl).Err()
}

// ChargeSettled reports whether a charge was already settled recently.
func (c *Client) ChargeSettled(ctx context.Context, chargeID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, settledKeyPrefix+chargeID).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// CacheGoldPrice stores the latest spot price payload with a TTL.
func (c *Client) CacheGoldPrice(ctx context.Context, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, goldPriceKey, payload, ttl).Err()
}

// CachedGoldPrice returns the cached spot price payload, or nil on a miss.
func (c *Client) CachedGoldPrice(ctx context.Context) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, goldPriceKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}
