// Package memory provides an in-process annotation cache backed by ristretto.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/model"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
	"maunium.net/go/mautrix/id"
)

const (
	defaultMaxEntries = 10000
	defaultTTL        = 10 * time.Minute
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.SummaryCache, error) {
			maxEntries, ttl := int64(defaultMaxEntries), defaultTTL
			if cfg := config.FromContext(ctx); cfg != nil {
				if cfg.CacheMaxEntries > 0 {
					maxEntries = cfg.CacheMaxEntries
				}
				if cfg.CacheTTL > 0 {
					ttl = cfg.CacheTTL
				}
			}
			return New(maxEntries, ttl)
		},
	})
}

type memoryCache struct {
	cache *ristretto.Cache[string, model.EventAnnotationsSummary]
	ttl   time.Duration
}

// New creates a cache holding at most maxEntries summaries.
func New(maxEntries int64, ttl time.Duration) (registrycache.SummaryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, model.EventAnnotationsSummary]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	return &memoryCache{cache: c, ttl: ttl}, nil
}

func (c *memoryCache) Available() bool { return true }

func (c *memoryCache) Get(_ context.Context, roomID id.RoomID, eventID id.EventID) (*model.EventAnnotationsSummary, error) {
	summary, ok := c.cache.Get(registrycache.Key(roomID, eventID))
	if !ok {
		return nil, nil
	}
	return &summary, nil
}

func (c *memoryCache) Set(_ context.Context, roomID id.RoomID, eventID id.EventID, summary model.EventAnnotationsSummary, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(registrycache.Key(roomID, eventID), summary, 1, ttl)
	// Make the write visible to the next Get.
	c.cache.Wait()
	return nil
}

func (c *memoryCache) Remove(_ context.Context, roomID id.RoomID, eventIDs ...id.EventID) error {
	for _, eventID := range eventIDs {
		c.cache.Del(registrycache.Key(roomID, eventID))
	}
	return nil
}

var _ registrycache.SummaryCache = (*memoryCache)(nil)
