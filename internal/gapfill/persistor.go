// Package gapfill inserts token-delimited slices of room history into the chunk
// graph, creating, extending and merging chunks so that every room converges to
// gap-free runs of events with exactly one live chunk.
package gapfill

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/telemetry"
	"maunium.net/go/mautrix/id"
)

const (
	sourceSync       = "sync"
	sourcePagination = "pagination"
	sourceContext    = "context"
)

// Invalidator is told about events whose derived annotations may have changed.
type Invalidator interface {
	Invalidate(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID)
}

// InsertResult describes the outcome of one insertion.
type InsertResult struct {
	// ChunkID is the chunk that received the slice.
	ChunkID string
	// Added holds the events that were not stored before, in chronological order.
	Added []model.TimelineEvent
	// RelationTargets are the events annotated by relations in Added.
	RelationTargets []id.EventID
	// Merged counts the chunks absorbed into ChunkID.
	Merged int

	overlapMerges int
}

// SyncSlice is the timeline section of one room in a sync response.
type SyncSlice struct {
	Since     string
	PrevBatch string
	Limited   bool
	Events    []json.RawMessage
	State     []json.RawMessage
}

// Persistor serialises insertions per room and runs each one in a single store
// transaction. It never performs network calls.
type Persistor struct {
	store       registrystore.TimelineStore
	broadcaster *Broadcaster
	invalidator Invalidator
	locks       roomLocks
}

// New creates a persistor. invalidator may be nil.
func New(store registrystore.TimelineStore, broadcaster *Broadcaster, invalidator Invalidator) *Persistor {
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	return &Persistor{store: store, broadcaster: broadcaster, invalidator: invalidator}
}

// Broadcaster returns the change notifier fed after every committed insertion.
func (p *Persistor) Broadcaster() *Broadcaster { return p.broadcaster }

// InsertPagination stores the result of paginating from result.Start in dir.
func (p *Persistor) InsertPagination(ctx context.Context, roomID id.RoomID, dir model.Direction, result *model.TokenChunkResult) (*InsertResult, error) {
	if result == nil {
		return nil, fmt.Errorf("nil pagination result")
	}
	if err := checkSlice(result); err != nil {
		log.Warn("Gap-fill: dropping slice", "room", roomID, "err", err)
		return &InsertResult{}, nil
	}
	events := parseEvents(roomID, result.Events)
	if dir == model.Backwards {
		slices.Reverse(events)
	}
	state := parseState(roomID, result.StateEvents)

	return p.apply(ctx, roomID, sourcePagination, func(tx registrystore.ChunkTx) (*InsertResult, error) {
		anchor, err := tx.FindChunk(roomID, result.Start, dir)
		if err != nil {
			return nil, err
		}
		fresh := anchor == nil
		if fresh {
			prev, next := result.Start, result.End
			if dir == model.Backwards {
				prev, next = result.End, result.Start
			}
			if anchor, err = tx.CreateChunk(roomID, prev, next, false, false); err != nil {
				return nil, err
			}
		}
		f := &filler{tx: tx, roomID: roomID, anchor: anchor, empty: fresh}
		if err := f.fill(dir, events, result.End); err != nil {
			return nil, err
		}
		return f.finish(state)
	})
}

// InsertContext stores an unanchored window around an event. Events must be in
// chronological order.
func (p *Persistor) InsertContext(ctx context.Context, roomID id.RoomID, result *model.TokenChunkResult) (*InsertResult, error) {
	if result == nil {
		return nil, fmt.Errorf("nil context result")
	}
	if err := checkSlice(result); err != nil {
		log.Warn("Gap-fill: dropping context slice", "room", roomID, "err", err)
		return &InsertResult{}, nil
	}
	events := parseEvents(roomID, result.Events)
	state := parseState(roomID, result.StateEvents)

	return p.apply(ctx, roomID, sourceContext, func(tx registrystore.ChunkTx) (*InsertResult, error) {
		anchor, err := tx.CreateChunk(roomID, result.Start, result.End, false, result.Start == "")
		if err != nil {
			return nil, err
		}
		f := &filler{tx: tx, roomID: roomID, anchor: anchor, empty: true}
		if err := f.fill(model.Forwards, events, result.End); err != nil {
			return nil, err
		}
		return f.finish(state)
	})
}

// InsertSync appends the timeline of a sync response to the live chunk. A limited
// timeline opens a new live chunk and leaves a gap behind the previous one.
func (p *Persistor) InsertSync(ctx context.Context, roomID id.RoomID, slice SyncSlice) (*InsertResult, error) {
	events := parseEvents(roomID, slice.Events)
	state := parseState(roomID, slice.State)
	// An initial sync that is not limited carries the whole room history.
	fullHistory := slice.Since == "" && !slice.Limited

	return p.apply(ctx, roomID, sourceSync, func(tx registrystore.ChunkTx) (*InsertResult, error) {
		live, err := tx.LiveChunk(roomID)
		if err != nil {
			return nil, err
		}
		anchor := live
		fresh := false
		switch {
		case live == nil:
			prev := slice.PrevBatch
			if fullHistory {
				prev = ""
			}
			if anchor, err = tx.CreateChunk(roomID, prev, "", true, fullHistory); err != nil {
				return nil, err
			}
			fresh = true
		case slice.Limited:
			live.IsLastForward = false
			if live.NextToken == "" {
				live.NextToken = slice.Since
			}
			if err := tx.UpdateChunk(live); err != nil {
				return nil, err
			}
			if anchor, err = tx.CreateChunk(roomID, slice.PrevBatch, "", true, false); err != nil {
				return nil, err
			}
			fresh = true
		}
		f := &filler{tx: tx, roomID: roomID, anchor: anchor, empty: fresh}
		if err := f.fill(model.Forwards, events, ""); err != nil {
			return nil, err
		}
		return f.finish(state)
	})
}

func (p *Persistor) apply(ctx context.Context, roomID id.RoomID, source string, fn func(tx registrystore.ChunkTx) (*InsertResult, error)) (*InsertResult, error) {
	unlock := p.locks.lock(roomID)
	var res *InsertResult
	err := p.store.Transaction(ctx, func(tx registrystore.ChunkTx) error {
		r, err := fn(tx)
		res = r
		return err
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%s insert into %s: %w", source, roomID, err)
	}

	if telemetry.GapFillEventsTotal != nil {
		telemetry.GapFillEventsTotal.WithLabelValues(source).Add(float64(len(res.Added)))
	}
	if telemetry.ChunkMergesTotal != nil && res.Merged > 0 {
		telemetry.ChunkMergesTotal.WithLabelValues("overlap").Add(float64(res.overlapMerges))
		telemetry.ChunkMergesTotal.WithLabelValues("token").Add(float64(res.Merged - res.overlapMerges))
	}
	res.RelationTargets = p.relationTargets(ctx, roomID, res.Added)
	if p.invalidator != nil && len(res.RelationTargets) > 0 {
		p.invalidator.Invalidate(ctx, roomID, res.RelationTargets)
	}
	log.Debug("Gap-fill: inserted", "room", roomID, "source", source, "chunk", res.ChunkID,
		"added", len(res.Added), "merged", res.Merged)
	p.broadcaster.Publish(roomID)
	return res, nil
}

// relationTargets collects the events annotated by added. A redaction of a
// relation also changes the annotations of the relation's own target.
func (p *Persistor) relationTargets(ctx context.Context, roomID id.RoomID, added []model.TimelineEvent) []id.EventID {
	seen := map[id.EventID]bool{}
	var targets []id.EventID
	push := func(eventID id.EventID) {
		if eventID != "" && !seen[eventID] {
			seen[eventID] = true
			targets = append(targets, eventID)
		}
	}
	for _, evt := range added {
		push(evt.RelatesTo)
		if evt.Redacts == "" {
			continue
		}
		push(evt.Redacts)
		redacted, err := p.store.GetEvent(ctx, roomID, evt.Redacts)
		if err == nil {
			push(redacted.RelatesTo)
		}
	}
	return targets
}

func checkSlice(result *model.TokenChunkResult) error {
	if result.Start == result.End && len(result.Events) == 0 {
		return &model.MalformedSliceError{Start: result.Start, End: result.End, Reason: "empty slice with identical tokens"}
	}
	return nil
}

func parseEvents(roomID id.RoomID, raws []json.RawMessage) []model.TimelineEvent {
	events := make([]model.TimelineEvent, 0, len(raws))
	for _, raw := range raws {
		evt, err := model.ParseEvent(roomID, raw)
		if err != nil {
			log.Warn("Gap-fill: skipping unparsable event", "room", roomID, "err", err)
			continue
		}
		events = append(events, evt)
	}
	return events
}

func parseState(roomID id.RoomID, raws []json.RawMessage) []model.StateEvent {
	state := make([]model.StateEvent, 0, len(raws))
	for _, raw := range raws {
		evt, err := model.ParseStateEvent(roomID, raw)
		if err != nil {
			log.Warn("Gap-fill: skipping state event", "room", roomID, "err", err)
			continue
		}
		state = append(state, evt)
	}
	return state
}
