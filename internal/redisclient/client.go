package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"fulfillment-service/internal/models"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/set_stock.lua
var setStockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	stockScript   *redis.Script
	stockTTL      time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, stockTTL time.Duration) (*Client, error) {
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

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		stockScript:   redis.NewScript(setStockScript),
		stockTTL:      stockTTL,
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func lockKey(key string) string        { return fmt.Sprintf("lock:%s", key) }
func idempotencyKey(key string) string { return fmt.Sprintf("idempotency:%s", key) }
func stockKey(productID int64) string  { return fmt.Sprintf("stock:%d", productID) }

// AcquireLock acquires a distributed lock and returns the owner token needed to release it
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases the lock if it is still owned by token
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// ClaimIdempotencyKey stores an idempotency key with TTL.
// Returns false when the key was already claimed.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), time.Now().Unix(), ttl).Result()
}

// ForgetIdempotencyKey drops a claim so the operation can be retried
func (c *Client) ForgetIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}

// SetStock mirrors a stock snapshot. Older versions never overwrite newer ones.
func (c *Client) SetStock(ctx context.Context, snap models.StockSnapshot) error {
	_, err := c.stockScript.Run(ctx, c.rdb, []string{stockKey(snap.ProductID)},
		snap.Version, snap.StockQuantity, string(snap.StockStatus), int64(c.stockTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("set stock script failed: %w", err)
	}
	return nil
}

// GetStock returns the cached snapshot, or nil when the product is not cached
func (c *Client) GetStock(ctx context.Context, productID int64) (*models.StockSnapshot, error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(productID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parseSnapshot(productID, result)
}

func parseSnapshot(productID int64, fields map[string]string) (*models.StockSnapshot, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stock snapshot %d: bad version: %w", productID, err)
	}
	qty, err := strconv.Atoi(fields["stock_quantity"])
	if err != nil {
		return nil, fmt.Errorf("stock snapshot %d: bad quantity: %w", productID, err)
	}
	status := fields["stock_status"]
	if status == "" {
		return nil, errors.New("stock snapshot missing status")
	}

	return &models.StockSnapshot{
		ProductID:     productID,
		StockQuantity: qty,
		StockStatus:   models.StockStatus(status),
		Version:       version,
	}, nil
}
