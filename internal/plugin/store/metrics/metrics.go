package metrics

import (
	"context"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/telemetry"
	"maunium.net/go/mautrix/id"
)

// Wrap returns a TimelineStore that records StoreLatency for every operation.
func Wrap(inner store.TimelineStore) store.TimelineStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.TimelineStore
}

func observe(op string, start time.Time) {
	if telemetry.StoreLatency == nil {
		return
	}
	telemetry.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Transaction(ctx context.Context, fn func(tx store.ChunkTx) error) error {
	defer observe("transaction", time.Now())
	return m.inner.Transaction(ctx, fn)
}

func (m *metricsStore) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	defer observe("get_chunk", time.Now())
	return m.inner.GetChunk(ctx, chunkID)
}

func (m *metricsStore) LiveChunk(ctx context.Context, roomID id.RoomID) (*model.Chunk, error) {
	defer observe("live_chunk", time.Now())
	return m.inner.LiveChunk(ctx, roomID)
}

func (m *metricsStore) AdjacentChunk(ctx context.Context, roomID id.RoomID, token string, dir model.Direction) (*model.Chunk, error) {
	defer observe("adjacent_chunk", time.Now())
	return m.inner.AdjacentChunk(ctx, roomID, token, dir)
}

func (m *metricsStore) ListChunks(ctx context.Context, roomID id.RoomID) ([]store.ChunkSummary, error) {
	defer observe("list_chunks", time.Now())
	return m.inner.ListChunks(ctx, roomID)
}

func (m *metricsStore) ListRooms(ctx context.Context) ([]store.RoomSummary, error) {
	defer observe("list_rooms", time.Now())
	return m.inner.ListRooms(ctx)
}

func (m *metricsStore) ChunkEvents(ctx context.Context, chunkID string) ([]model.TimelineEvent, error) {
	defer observe("chunk_events", time.Now())
	return m.inner.ChunkEvents(ctx, chunkID)
}

func (m *metricsStore) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.TimelineEvent, error) {
	defer observe("get_event", time.Now())
	return m.inner.GetEvent(ctx, roomID, eventID)
}

func (m *metricsStore) ChunkState(ctx context.Context, chunkID string) ([]model.StateEvent, error) {
	defer observe("chunk_state", time.Now())
	return m.inner.ChunkState(ctx, chunkID)
}

func (m *metricsStore) RelatedEvents(ctx context.Context, roomID id.RoomID, targets []id.EventID) ([]model.TimelineEvent, error) {
	defer observe("related_events", time.Now())
	return m.inner.RelatedEvents(ctx, roomID, targets)
}

func (m *metricsStore) SyncToken(ctx context.Context, account string) (string, error) {
	defer observe("sync_token", time.Now())
	return m.inner.SyncToken(ctx, account)
}

func (m *metricsStore) SaveSyncToken(ctx context.Context, account string, token string) error {
	defer observe("save_sync_token", time.Now())
	return m.inner.SaveSyncToken(ctx, account, token)
}

func (m *metricsStore) ClearRoom(ctx context.Context, roomID id.RoomID) error {
	defer observe("clear_room", time.Now())
	return m.inner.ClearRoom(ctx, roomID)
}

func (m *metricsStore) EvictableChunks(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	defer observe("evictable_chunks", time.Now())
	return m.inner.EvictableChunks(ctx, cutoff, limit)
}

func (m *metricsStore) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	defer observe("delete_chunks", time.Now())
	return m.inner.DeleteChunks(ctx, chunkIDs)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
