package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/model"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
	"maunium.net/go/mautrix/id"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SummaryCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: ROOM_TIMELINE_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURLWithTTL creates a cache from a Redis-compatible URL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SummaryCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL creates a cache from go-redis Options and pings it.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.SummaryCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisSummaryCache{client: client, ttl: ttl}, nil
}

type redisSummaryCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *redisSummaryCache) Available() bool {
	return true
}

func (c *redisSummaryCache) Get(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.EventAnnotationsSummary, error) {
	data, err := c.client.Get(ctx, registrycache.Key(roomID, eventID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var summary model.EventAnnotationsSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *redisSummaryCache) Set(ctx context.Context, roomID id.RoomID, eventID id.EventID, summary model.EventAnnotationsSummary, ttl time.Duration) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, registrycache.Key(roomID, eventID), data, ttl).Err()
}

func (c *redisSummaryCache) Remove(ctx context.Context, roomID id.RoomID, eventIDs ...id.EventID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	keys := make([]string, len(eventIDs))
	for i, eventID := range eventIDs {
		keys[i] = registrycache.Key(roomID, eventID)
	}
	return c.client.Del(ctx, keys...).Err()
}

var _ registrycache.SummaryCache = (*redisSummaryCache)(nil)
