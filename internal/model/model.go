package model

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Direction is the pagination direction relative to the present moment.
type Direction int

const (
	// Backwards walks towards the creation of the room.
	Backwards Direction = iota
	// Forwards walks towards the live end of the room.
	Forwards
)

func (d Direction) String() string {
	if d == Forwards {
		return "forwards"
	}
	return "backwards"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Forwards {
		return Backwards
	}
	return Forwards
}

// Matrix returns the client-server API direction.
func (d Direction) Matrix() mautrix.Direction {
	if d == Forwards {
		return mautrix.DirectionForward
	}
	return mautrix.DirectionBackward
}

// ParseDirection accepts "b", "f", "backwards" and "forwards".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "b", "backward", "backwards":
		return Backwards, true
	case "f", "forward", "forwards":
		return Forwards, true
	}
	return Backwards, false
}

// SendState tracks the delivery state of a timeline event.
type SendState string

const (
	SendStateSending SendState = "sending"
	SendStateSent    SendState = "sent"
	SendStateSynced  SendState = "synced"
	SendStateFailed  SendState = "failed"
)

// Chunk is a contiguous run of events in a room bounded by two pagination tokens.
// An empty token means the boundary is closed (or unknown for a live chunk).
type Chunk struct {
	ID             string    `json:"id"             gorm:"primaryKey"`
	RoomID         id.RoomID `json:"roomId"         gorm:"not null"`
	PrevToken      string    `json:"prevToken"      gorm:"not null;default:''"`
	NextToken      string    `json:"nextToken"      gorm:"not null;default:''"`
	IsLastForward  bool      `json:"isLastForward"  gorm:"not null;default:false"`
	IsLastBackward bool      `json:"isLastBackward" gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
	UpdatedAt      time.Time `json:"updatedAt"      gorm:"not null"`
}

func (Chunk) TableName() string { return "timeline_chunks" }

// Token returns the open boundary token on the given side of the chunk.
func (c *Chunk) Token(dir Direction) string {
	if dir == Forwards {
		return c.NextToken
	}
	return c.PrevToken
}

// IsLast reports whether the chunk abuts the end of history on the given side.
func (c *Chunk) IsLast(dir Direction) bool {
	if dir == Forwards {
		return c.IsLastForward
	}
	return c.IsLastBackward
}

// TimelineEvent wraps a raw protocol event stored in a chunk.
type TimelineEvent struct {
	RoomID         id.RoomID       `json:"roomId"             gorm:"primaryKey"`
	EventID        id.EventID      `json:"eventId"            gorm:"primaryKey"`
	ChunkID        string          `json:"chunkId"            gorm:"not null"`
	LocalID        string          `json:"localId"            gorm:"not null"`
	DisplayIndex   int64           `json:"displayIndex"       gorm:"not null"`
	SendState      SendState       `json:"sendState"          gorm:"not null"`
	Type           string          `json:"type"               gorm:"column:event_type;not null"`
	Sender         id.UserID       `json:"sender"             gorm:"not null"`
	StateKey       *string         `json:"stateKey,omitempty"`
	OriginServerTS int64           `json:"originServerTs"     gorm:"not null"`
	RelType        string          `json:"relType,omitempty"  gorm:"not null;default:''"`
	RelatesTo      id.EventID      `json:"relatesTo,omitempty" gorm:"not null;default:''"`
	Redacts        id.EventID      `json:"redacts,omitempty"  gorm:"not null;default:''"`
	Raw            json.RawMessage `json:"raw"                gorm:"type:text;serializer:json;not null"`
	CreatedAt      time.Time       `json:"createdAt"          gorm:"not null"`
}

func (TimelineEvent) TableName() string { return "timeline_events" }

// IsState reports whether the event carries a state key.
func (e *TimelineEvent) IsState() bool { return e.StateKey != nil }

// StateEvent is a piece of room state attached to a chunk so that senders can be
// rendered as they were at that point in history.
type StateEvent struct {
	ChunkID   string          `json:"chunkId"   gorm:"primaryKey"`
	EventID   id.EventID      `json:"eventId"   gorm:"primaryKey"`
	RoomID    id.RoomID       `json:"roomId"    gorm:"not null"`
	Type      string          `json:"type"      gorm:"column:event_type;not null"`
	StateKey  string          `json:"stateKey"  gorm:"not null"`
	Sender    id.UserID       `json:"sender"    gorm:"not null"`
	Raw       json.RawMessage `json:"raw"       gorm:"type:text;serializer:json;not null"`
	CreatedAt time.Time       `json:"createdAt" gorm:"not null"`
}

func (StateEvent) TableName() string { return "timeline_state_events" }

// SyncState records the last sync position for an account.
type SyncState struct {
	Account   string    `json:"account"   gorm:"primaryKey"`
	NextBatch string    `json:"nextBatch" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (SyncState) TableName() string { return "timeline_sync_state" }

// TokenChunkResult is a token-delimited slice of history returned by a fetcher.
// Events are in the order the server returned them: newest first for backward
// pagination, oldest first otherwise.
type TokenChunkResult struct {
	Start       string            `json:"start"`
	End         string            `json:"end"`
	Events      []json.RawMessage `json:"events"`
	StateEvents []json.RawMessage `json:"stateEvents,omitempty"`
}

// SyncTimeline is the timeline section of a joined room in a sync response.
type SyncTimeline struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prevBatch"`
}

// RoomSync is the per-room portion of a sync response.
type RoomSync struct {
	Timeline SyncTimeline      `json:"timeline"`
	State    []json.RawMessage `json:"state,omitempty"`
}

// SyncResponse is a single sync delta.
type SyncResponse struct {
	NextBatch string                 `json:"nextBatch"`
	Rooms     map[id.RoomID]RoomSync `json:"rooms"`
}

// PaginationState is the per-direction loading state of a timeline cursor.
type PaginationState struct {
	HasMoreToLoad bool `json:"hasMoreToLoad"`
	Loading       bool `json:"loading"`
}
