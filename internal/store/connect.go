package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// RedisOptions configures Connect.
type RedisOptions struct {
	URL           string
	Prefix        string
	ConnectTries  int
	RetryInterval time.Duration
}

// Connect dials Redis from a redis:// URL and pings it, retrying a bounded
// number of times before giving up.
func Connect(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.ConnectTries <= 0 {
		opts.ConnectTries = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}

	client := redis.NewClient(ropts)
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			break
		}
		if attempt >= opts.ConnectTries {
			client.Close()
			return nil, fmt.Errorf("redis connection failed after %d attempts: %w", attempt, err)
		}
		logger.Warn("redis ping failed, retrying", "attempt", attempt, "addr", ropts.Addr, "error", err)
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}

	logger.Info("redis connected", "addr", ropts.Addr, "db", ropts.DB)
	return NewRedisStore(client, opts.Prefix), nil
}
