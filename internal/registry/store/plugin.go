package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"maunium.net/go/mautrix/id"
)

// ChunkSummary is a lightweight chunk representation for listings.
type ChunkSummary struct {
	model.Chunk
	EventCount int64 `json:"eventCount"`
}

// RoomSummary describes a room known to the store.
type RoomSummary struct {
	RoomID     id.RoomID `json:"roomId"`
	ChunkCount int64     `json:"chunkCount"`
	EventCount int64     `json:"eventCount"`
}

// ChunkTx is the transactional surface used by the gap-fill persistor. Every
// method operates inside the transaction that created it.
type ChunkTx interface {
	// FindChunk returns the chunk whose boundary token on the given side equals
	// token: Backwards matches prevToken, Forwards matches nextToken. An empty
	// token never matches. Returns nil when no chunk matches.
	FindChunk(roomID id.RoomID, token string, dir model.Direction) (*model.Chunk, error)
	GetChunk(chunkID string) (*model.Chunk, error)
	LiveChunk(roomID id.RoomID) (*model.Chunk, error)

	// CreateChunk inserts a new chunk. Creating a live chunk demotes the previous
	// live chunk of the room.
	CreateChunk(roomID id.RoomID, prevToken, nextToken string, isLastForward, isLastBackward bool) (*model.Chunk, error)
	// UpdateChunk persists the tokens and flags of chunk.
	UpdateChunk(chunk *model.Chunk) error
	DeleteChunk(chunk *model.Chunk) error

	// AddEvents adds events to chunk, skipping any event id already present in the
	// room. Events must be given in chronological order. Returns the events that
	// were inserted with their assigned display index.
	AddEvents(chunk *model.Chunk, events []model.TimelineEvent, atEnd bool) ([]model.TimelineEvent, error)
	// EventChunks returns the owning chunk id of every given event that is stored.
	EventChunks(roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]string, error)
	// MergeChunk moves every event and state event of from into into, before or
	// after the existing events, and deletes from.
	MergeChunk(into, from *model.Chunk, atEnd bool) error
	AddStateEvents(chunk *model.Chunk, events []model.StateEvent) error
}

// TimelineStore persists the chunk graph of every room.
type TimelineStore interface {
	// Transaction runs fn in a single write transaction.
	Transaction(ctx context.Context, fn func(tx ChunkTx) error) error

	GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error)
	LiveChunk(ctx context.Context, roomID id.RoomID) (*model.Chunk, error)
	// AdjacentChunk returns the chunk that continues past a boundary token in the
	// given direction: for Backwards the chunk whose nextToken equals token, for
	// Forwards the chunk whose prevToken equals token.
	AdjacentChunk(ctx context.Context, roomID id.RoomID, token string, dir model.Direction) (*model.Chunk, error)
	ListChunks(ctx context.Context, roomID id.RoomID) ([]ChunkSummary, error)
	ListRooms(ctx context.Context) ([]RoomSummary, error)

	// ChunkEvents returns the events of a chunk in chronological order.
	ChunkEvents(ctx context.Context, chunkID string) ([]model.TimelineEvent, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.TimelineEvent, error)
	ChunkState(ctx context.Context, chunkID string) ([]model.StateEvent, error)
	// RelatedEvents returns every event that relates to or redacts one of targets.
	RelatedEvents(ctx context.Context, roomID id.RoomID, targets []id.EventID) ([]model.TimelineEvent, error)

	SyncToken(ctx context.Context, account string) (string, error)
	SaveSyncToken(ctx context.Context, account string, token string) error

	// ClearRoom deletes every chunk, event and state event of the room.
	ClearRoom(ctx context.Context, roomID id.RoomID) error
	// EvictableChunks returns ids of non-live chunks not updated since cutoff.
	EvictableChunks(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteChunks(ctx context.Context, chunkIDs []string) error

	Close() error
}

// Loader creates a TimelineStore from config.
type Loader func(ctx context.Context) (TimelineStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
