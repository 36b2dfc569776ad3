// Package infinispan stores annotation summaries in Infinispan through its RESP
// endpoint, reusing the redis cache implementation.
package infinispan

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/plugin/cache/redis"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const retryInterval = time.Second

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SummaryCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: ROOM_TIMELINE_INFINISPAN_HOST is required")
	}
	return Connect(ctx, Options{
		Addr:           cfg.InfinispanHost,
		Username:       cfg.InfinispanUsername,
		Password:       cfg.InfinispanPassword,
		StartupTimeout: cfg.InfinispanStartupTimeout,
		TTL:            cfg.CacheTTL,
	})
}

// Options configures the connection to an Infinispan RESP endpoint.
type Options struct {
	Addr           string
	Username       string
	Password       string
	StartupTimeout time.Duration
	TTL            time.Duration
}

// Connect retries until the endpoint answers or StartupTimeout elapses. A
// freshly started Infinispan accepts connections before its RESP connector is up.
func Connect(ctx context.Context, opts Options) (registrycache.SummaryCache, error) {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = retryInterval
	}
	ctx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	// The RESP endpoint does not implement HELLO.
	redisOpts := &goredis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		Protocol: 2,
	}
	for attempt := 1; ; attempt++ {
		cache, err := redis.LoadFromOptionsWithTTL(ctx, redisOpts, opts.TTL)
		if err == nil {
			log.Info("Infinispan cache connected", "addr", opts.Addr, "attempts", attempt)
			return cache, nil
		}
		log.Debug("Infinispan not ready", "addr", opts.Addr, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("infinispan cache: %s not reachable after %d attempts: %w", opts.Addr, attempt, err)
		case <-time.After(retryInterval):
		}
	}
}
