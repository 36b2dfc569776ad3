// Package gormstore implements the chunk store on top of GORM. The sqlite and
// postgres plugins only differ in the dialector, the schema and the set of errors
// that are worth retrying.
package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/telemetry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"maunium.net/go/mautrix/id"
)

// Options configures a Store.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	// Retryable reports whether a failed write transaction may be retried.
	Retryable    func(error) bool
	RetryBackoff time.Duration
	MaxAttempts  int
}

// Store implements registrystore.TimelineStore using GORM.
type Store struct {
	db   *gorm.DB
	opts Options
}

// Open connects with the given dialector and configures the connection pool.
// The open connections gauge is refreshed until ctx is cancelled.
func Open(ctx context.Context, dialector gorm.Dialector, opts Options) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		if telemetry.DBPoolMaxConnections != nil {
			telemetry.DBPoolMaxConnections.Set(float64(opts.MaxOpenConns))
		}
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if telemetry.DBPoolOpenConnections != nil {
					telemetry.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()

	return New(db, opts), nil
}

// New wraps an already opened database.
func New(db *gorm.DB, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultRetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Store{db: db, opts: opts}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Transaction(ctx context.Context, fn func(tx registrystore.ChunkTx) error) error {
	return withRetry(ctx, s.opts.MaxAttempts, s.opts.RetryBackoff, s.opts.Retryable, func() error {
		return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(&chunkTx{db: db})
		})
	})
}

func (s *Store) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	return (&chunkTx{db: s.db.WithContext(ctx)}).GetChunk(chunkID)
}

func (s *Store) LiveChunk(ctx context.Context, roomID id.RoomID) (*model.Chunk, error) {
	return (&chunkTx{db: s.db.WithContext(ctx)}).LiveChunk(roomID)
}

func (s *Store) AdjacentChunk(ctx context.Context, roomID id.RoomID, token string, dir model.Direction) (*model.Chunk, error) {
	// The chunk continuing backwards past a prev token is the one that ends with it.
	return (&chunkTx{db: s.db.WithContext(ctx)}).FindChunk(roomID, token, dir.Reverse())
}

func (s *Store) ListChunks(ctx context.Context, roomID id.RoomID) ([]registrystore.ChunkSummary, error) {
	var chunks []registrystore.ChunkSummary
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.*, (SELECT COUNT(*) FROM timeline_events e WHERE e.chunk_id = c.id) AS event_count
		FROM timeline_chunks c
		WHERE c.room_id = ?
		ORDER BY c.created_at, c.id`, roomID).Scan(&chunks).Error
	return chunks, err
}

func (s *Store) ListRooms(ctx context.Context) ([]registrystore.RoomSummary, error) {
	var rooms []registrystore.RoomSummary
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.room_id, COUNT(*) AS chunk_count,
			(SELECT COUNT(*) FROM timeline_events e WHERE e.room_id = c.room_id) AS event_count
		FROM timeline_chunks c
		GROUP BY c.room_id
		ORDER BY c.room_id`).Scan(&rooms).Error
	return rooms, err
}

func (s *Store) ChunkEvents(ctx context.Context, chunkID string) ([]model.TimelineEvent, error) {
	var events []model.TimelineEvent
	err := s.db.WithContext(ctx).
		Where("chunk_id = ?", chunkID).
		Order("display_index").
		Find(&events).Error
	return events, err
}

func (s *Store) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*model.TimelineEvent, error) {
	var evt model.TimelineEvent
	result := s.db.WithContext(ctx).
		Where("room_id = ? AND event_id = ?", roomID, eventID).
		Limit(1).
		Find(&evt)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "event", ID: string(eventID)}
	}
	return &evt, nil
}

func (s *Store) ChunkState(ctx context.Context, chunkID string) ([]model.StateEvent, error) {
	var state []model.StateEvent
	err := s.db.WithContext(ctx).
		Where("chunk_id = ?", chunkID).
		Order("created_at, event_id").
		Find(&state).Error
	return state, err
}

func (s *Store) RelatedEvents(ctx context.Context, roomID id.RoomID, targets []id.EventID) ([]model.TimelineEvent, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	var events []model.TimelineEvent
	for _, batch := range batches(targets, maxInParams) {
		var part []model.TimelineEvent
		err := s.db.WithContext(ctx).
			Where("room_id = ? AND (relates_to IN ? OR redacts IN ?)", roomID, batch, batch).
			Order("origin_server_ts, event_id").
			Find(&part).Error
		if err != nil {
			return nil, err
		}
		events = append(events, part...)
	}
	return events, nil
}

func (s *Store) SyncToken(ctx context.Context, account string) (string, error) {
	var state model.SyncState
	result := s.db.WithContext(ctx).Where("account = ?", account).Limit(1).Find(&state)
	if result.Error != nil {
		return "", result.Error
	}
	return state.NextBatch, nil
}

func (s *Store) SaveSyncToken(ctx context.Context, account string, token string) error {
	state := model.SyncState{Account: account, NextBatch: token}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_batch", "updated_at"}),
	}).Create(&state).Error
}

func (s *Store) ClearRoom(ctx context.Context, roomID id.RoomID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&model.TimelineEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&model.StateEvent{}).Error; err != nil {
			return err
		}
		return tx.Where("room_id = ?", roomID).Delete(&model.Chunk{}).Error
	})
}

func (s *Store) EvictableChunks(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Chunk{}).
		Where("is_last_forward = ? AND updated_at < ?", false, cutoff.UTC()).
		Order("updated_at").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range batches(chunkIDs, maxInParams) {
			if err := tx.Where("chunk_id IN ?", batch).Delete(&model.TimelineEvent{}).Error; err != nil {
				return err
			}
			if err := tx.Where("chunk_id IN ?", batch).Delete(&model.StateEvent{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", batch).Delete(&model.Chunk{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

const maxInParams = 500

func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

var _ registrystore.TimelineStore = (*Store)(nil)
