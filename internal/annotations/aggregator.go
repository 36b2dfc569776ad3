package annotations

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/model"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/telemetry"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Aggregator serves annotation summaries, reading through a SummaryCache.
type Aggregator struct {
	store registrystore.TimelineStore
	cache registrycache.SummaryCache
	me    id.UserID
	ttl   time.Duration

	// epochs counts invalidations per room. A summary computed across an
	// invalidation is not cached.
	mu     sync.Mutex
	epochs map[id.RoomID]uint64
}

// New creates an aggregator. cache may be nil. me decides AddedByMe and MyVote.
func New(store registrystore.TimelineStore, cache registrycache.SummaryCache, me id.UserID, ttl time.Duration) *Aggregator {
	return &Aggregator{store: store, cache: cache, me: me, ttl: ttl, epochs: map[id.RoomID]uint64{}}
}

func (a *Aggregator) epoch(roomID id.RoomID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epochs[roomID]
}

func (a *Aggregator) bump(roomID id.RoomID) {
	a.mu.Lock()
	a.epochs[roomID]++
	a.mu.Unlock()
}

func (a *Aggregator) cacheAvailable() bool {
	return a.cache != nil && a.cache.Available()
}

// Summaries returns the non-empty summaries of targets keyed by event id.
func (a *Aggregator) Summaries(ctx context.Context, roomID id.RoomID, targets []model.TimelineEvent) (map[id.EventID]*model.EventAnnotationsSummary, error) {
	out := make(map[id.EventID]*model.EventAnnotationsSummary, len(targets))
	var misses []model.TimelineEvent
	for _, target := range targets {
		if !a.cacheAvailable() {
			misses = append(misses, target)
			continue
		}
		cached, err := a.cache.Get(ctx, roomID, target.EventID)
		if err != nil {
			log.Warn("Annotation cache read failed", "room", roomID, "event", target.EventID, "err", err)
		}
		if cached == nil {
			if telemetry.CacheMissesTotal != nil {
				telemetry.CacheMissesTotal.Inc()
			}
			misses = append(misses, target)
			continue
		}
		if telemetry.CacheHitsTotal != nil {
			telemetry.CacheHitsTotal.Inc()
		}
		if !cached.IsEmpty() {
			out[target.EventID] = cached
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	seen := a.epoch(roomID)
	related, err := a.relatedByTarget(ctx, roomID, misses)
	if err != nil {
		return nil, err
	}
	var written []id.EventID
	for _, target := range misses {
		summary := Summarize(target, related[target.EventID], a.me)
		if a.cacheAvailable() && a.epoch(roomID) == seen {
			stored := model.EventAnnotationsSummary{EventID: target.EventID}
			if summary != nil {
				stored = *summary
			}
			if err := a.cache.Set(ctx, roomID, target.EventID, stored, a.ttl); err != nil {
				log.Warn("Annotation cache write failed", "room", roomID, "event", target.EventID, "err", err)
			} else {
				written = append(written, target.EventID)
			}
		}
		if summary != nil {
			out[target.EventID] = summary
		}
	}
	// An invalidation that raced the writes above may have run before them.
	if len(written) > 0 && a.epoch(roomID) != seen {
		if err := a.cache.Remove(ctx, roomID, written...); err != nil {
			log.Warn("Annotation cache invalidation failed", "room", roomID, "err", err)
		}
	}
	return out, nil
}

// relatedByTarget loads the relations of targets plus the redactions of those
// relations, grouped by the target they annotate.
func (a *Aggregator) relatedByTarget(ctx context.Context, roomID id.RoomID, targets []model.TimelineEvent) (map[id.EventID][]model.TimelineEvent, error) {
	ids := make([]id.EventID, len(targets))
	for i, target := range targets {
		ids[i] = target.EventID
	}
	direct, err := a.store.RelatedEvents(ctx, roomID, ids)
	if err != nil {
		return nil, err
	}

	grouped := map[id.EventID][]model.TimelineEvent{}
	owner := map[id.EventID]id.EventID{}
	var relationIDs []id.EventID
	for _, evt := range direct {
		target := evt.RelatesTo
		if evt.Type == event.EventRedaction.Type {
			target = evt.Redacts
		} else {
			owner[evt.EventID] = target
			relationIDs = append(relationIDs, evt.EventID)
		}
		grouped[target] = append(grouped[target], evt)
	}
	if len(relationIDs) == 0 {
		return grouped, nil
	}

	second, err := a.store.RelatedEvents(ctx, roomID, relationIDs)
	if err != nil {
		return nil, err
	}
	for _, evt := range second {
		if evt.Type != event.EventRedaction.Type {
			continue
		}
		if target, ok := owner[evt.Redacts]; ok {
			grouped[target] = append(grouped[target], evt)
		}
	}
	return grouped, nil
}

// Summary returns the summary of a stored event, or nil when nothing annotates it.
func (a *Aggregator) Summary(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.EventAnnotationsSummary, error) {
	target, err := a.store.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	summaries, err := a.Summaries(ctx, roomID, []model.TimelineEvent{*target})
	if err != nil {
		return nil, err
	}
	return summaries[eventID], nil
}

// Decorate attaches annotations to events, keeping their order. Sender info is
// left to the caller except for the user id.
func (a *Aggregator) Decorate(ctx context.Context, roomID id.RoomID, events []model.TimelineEvent) ([]model.DecoratedEvent, error) {
	summaries, err := a.Summaries(ctx, roomID, events)
	if err != nil {
		return nil, err
	}
	out := make([]model.DecoratedEvent, len(events))
	for i, evt := range events {
		out[i] = model.DecoratedEvent{
			Event:       evt,
			Sender:      model.SenderInfo{UserID: evt.Sender},
			Annotations: summaries[evt.EventID],
		}
	}
	return out, nil
}

// Invalidate drops cached summaries so the next read recomputes them.
func (a *Aggregator) Invalidate(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) {
	if !a.cacheAvailable() || len(eventIDs) == 0 {
		return
	}
	a.bump(roomID)
	if err := a.cache.Remove(ctx, roomID, eventIDs...); err != nil {
		log.Warn("Annotation cache invalidation failed", "room", roomID, "err", err)
	}
}
