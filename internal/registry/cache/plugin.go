package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"maunium.net/go/mautrix/id"
)

// SummaryCache caches annotation summaries keyed by room and target event.
type SummaryCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.EventAnnotationsSummary, error)
	Set(ctx context.Context, roomID id.RoomID, eventID id.EventID, summary model.EventAnnotationsSummary, ttl time.Duration) error
	Remove(ctx context.Context, roomID id.RoomID, eventIDs ...id.EventID) error
}

// Key returns the cache key of a summary.
func Key(roomID id.RoomID, eventID id.EventID) string {
	return fmt.Sprintf("annotations:%s:%s", roomID, eventID)
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (SummaryCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
