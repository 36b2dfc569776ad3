package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
)

// EvictionService periodically deletes non-live chunks that have not been
// touched within the retention period. The live chunk of a room is never
// evicted; evicted history is fetched again on demand.
type EvictionService struct {
	store     registrystore.TimelineStore
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// NewEvictionService creates a new eviction service.
func NewEvictionService(store registrystore.TimelineStore, interval, retention time.Duration, batchSize int, delay time.Duration) *EvictionService {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EvictionService{
		store:     store,
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
		delay:     delay,
	}
}

// Start begins the periodic eviction loop. Returns when ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce evicts every chunk older than the retention period and returns the
// number of chunks deleted.
func (e *EvictionService) RunOnce(ctx context.Context) int {
	cutoff := time.Now().Add(-e.retention)
	evicted := 0
	for {
		ids, err := e.store.EvictableChunks(ctx, cutoff, e.batchSize)
		if err != nil {
			log.Error("Eviction: find chunks failed", "err", err)
			return evicted
		}
		if len(ids) == 0 {
			break
		}
		if evicted == 0 {
			log.Info("Eviction: starting", "cutoff", cutoff)
		}
		if err := e.store.DeleteChunks(ctx, ids); err != nil {
			log.Error("Eviction: delete failed", "err", err)
			return evicted
		}
		evicted += len(ids)

		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return evicted
			case <-time.After(e.delay):
			}
		}
	}
	if evicted > 0 {
		log.Info("Eviction: completed", "evicted", evicted)
	}
	return evicted
}
