package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
)

const (
	syncMinBackoff = time.Second
	syncMaxBackoff = time.Minute
)

// SyncService long-polls the homeserver and feeds every joined room's timeline
// to the gap-fill persistor. The sync position is stored after all rooms of a
// response were persisted, so a crash replays the last response.
type SyncService struct {
	store     registrystore.TimelineStore
	client    homeserver.Syncer
	persistor *gapfill.Persistor
	account   string
	timeout   time.Duration

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSyncService creates a sync loop for account.
func NewSyncService(store registrystore.TimelineStore, client homeserver.Syncer, persistor *gapfill.Persistor, account string, timeout time.Duration) *SyncService {
	return &SyncService{
		store:      store,
		client:     client,
		persistor:  persistor,
		account:    account,
		timeout:    timeout,
		minBackoff: syncMinBackoff,
		maxBackoff: syncMaxBackoff,
	}
}

// Start runs the sync loop until ctx is cancelled.
func (s *SyncService) Start(ctx context.Context) {
	backoff := s.minBackoff
	for ctx.Err() == nil {
		if err := s.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Sync: request failed", "err", err, "retryIn", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}
		backoff = s.minBackoff
	}
}

// SyncOnce performs a single sync request and persists its result.
func (s *SyncService) SyncOnce(ctx context.Context) error {
	since, err := s.store.SyncToken(ctx, s.account)
	if err != nil {
		return err
	}
	resp, err := s.client.Sync(ctx, since, s.timeout)
	if err != nil {
		return err
	}
	added := 0
	for roomID, room := range resp.Rooms {
		res, err := s.persistor.InsertSync(ctx, roomID, gapfill.SyncSlice{
			Since:     since,
			PrevBatch: room.Timeline.PrevBatch,
			Limited:   room.Timeline.Limited,
			Events:    room.Timeline.Events,
			State:     room.State,
		})
		if err != nil {
			return err
		}
		added += len(res.Added)
	}
	if resp.NextBatch != "" && resp.NextBatch != since {
		if err := s.store.SaveSyncToken(ctx, s.account, resp.NextBatch); err != nil {
			return err
		}
	}
	if len(resp.Rooms) > 0 {
		log.Debug("Sync: applied", "rooms", len(resp.Rooms), "added", added, "nextBatch", resp.NextBatch)
	}
	return nil
}
