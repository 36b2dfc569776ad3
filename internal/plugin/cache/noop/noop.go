package noop

import (
	"context"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/cache"
	"maunium.net/go/mautrix/id"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.SummaryCache, error) {
			return New(), nil
		},
	})
}

// New returns a cache that never stores anything.
func New() cache.SummaryCache { return &noopSummaryCache{} }

type noopSummaryCache struct{}

func (n *noopSummaryCache) Available() bool { return false }
func (n *noopSummaryCache) Get(_ context.Context, _ id.RoomID, _ id.EventID) (*model.EventAnnotationsSummary, error) {
	return nil, nil
}
func (n *noopSummaryCache) Set(_ context.Context, _ id.RoomID, _ id.EventID, _ model.EventAnnotationsSummary, _ time.Duration) error {
	return nil
}
func (n *noopSummaryCache) Remove(_ context.Context, _ id.RoomID, _ ...id.EventID) error { return nil }

var _ cache.SummaryCache = (*noopSummaryCache)(nil)
