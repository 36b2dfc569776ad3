package homeserver

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"maunium.net/go/mautrix/id"
)

// Fetcher retrieves token-delimited slices of room history.
type Fetcher interface {
	// Fetch paginates from a token. Backward results are newest first.
	Fetch(ctx context.Context, roomID id.RoomID, from string, dir model.Direction, limit int) (*model.TokenChunkResult, error)
	// FetchContext returns a window around eventID in chronological order. Start
	// is the token before the oldest returned event and End the token after the
	// newest one. Fails with *model.NotFoundError for unknown events.
	FetchContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*model.TokenChunkResult, error)
}

// Syncer retrieves sync deltas.
type Syncer interface {
	Sync(ctx context.Context, since string, timeout time.Duration) (*model.SyncResponse, error)
}

// Client is a homeserver connection able to both sync and paginate.
type Client interface {
	Fetcher
	Syncer
	// Account identifies the logged in user; sync positions are stored per account.
	Account() id.UserID
}

// Loader creates a homeserver client from config.
type Loader func(ctx context.Context) (Client, error)

// Plugin represents a homeserver plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a homeserver plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered homeserver plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named homeserver plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown homeserver %q; valid: %v", name, Names())
}
