package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the shared go-redis client. One client backs the registry
// change feed, the hub's cross-instance control fan-out and the export job
// queue.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects and verifies the instance answers. MinIdleConns keeps a
// few connections warm for the pub/sub subscribers the change feed spawns per
// session.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MinIdleConns: 2,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", addr), zap.Int("db", db))
	return &Client{Client: rdb, logger: logger}, nil
}

// Healthy reports whether the connection still answers. The health endpoint
// uses it so a dead feed shows up before broadcasts start misbehaving.
func (c *Client) Healthy(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
