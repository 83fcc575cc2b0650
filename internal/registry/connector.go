package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectOptions controls the start-up retry loop.
type ConnectOptions struct {
	URL            string        // redis://[user:pass@]host:port/db
	ConnectTimeout time.Duration // total budget for all attempts
	RetryInterval  time.Duration // first wait; doubles up to MaxWait
	MaxWait        time.Duration
	PingTimeout    time.Duration
}

// DefaultConnectOptions returns sane retry settings for url.
func DefaultConnectOptions(url string) ConnectOptions {
	return ConnectOptions{
		URL:            url,
		ConnectTimeout: 30 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		MaxWait:        5 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

// Connect parses opts.URL and pings until Redis answers or
// opts.ConnectTimeout elapses.
func Connect(ctx context.Context, opts ConnectOptions, logger *slog.Logger) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 || opts.RetryInterval <= 0 || opts.MaxWait <= 0 || opts.PingTimeout <= 0 {
		return nil, fmt.Errorf("invalid redis connect options: %+v", opts)
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	logger.Info("connecting to redis", "addr", redisOpts.Addr, "timeout", opts.ConnectTimeout)
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.PingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			if attempt > 1 {
				logger.Warn("connected to redis after retry", "addr", redisOpts.Addr, "attempts", attempt)
			} else {
				logger.Info("connected to redis", "addr", redisOpts.Addr)
			}
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = client.Close()
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", redisOpts.Addr, attempt, err)
		case <-timer.C:
			logger.Warn("redis connection failed, retrying", "addr", redisOpts.Addr, "attempt", attempt, "next_retry_in", wait, "err", err)
			wait *= 2
			if wait > opts.MaxWait {
				wait = opts.MaxWait
			}
		}
	}
}
