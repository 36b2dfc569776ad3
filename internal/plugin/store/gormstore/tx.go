package gormstore

import (
	"time"

	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"maunium.net/go/mautrix/id"
)

type chunkTx struct {
	db *gorm.DB
}

type indexBounds struct {
	MinIndex   int64
	MaxIndex   int64
	EventCount int64
}

func (t *chunkTx) FindChunk(roomID id.RoomID, token string, dir model.Direction) (*model.Chunk, error) {
	if token == "" {
		return nil, nil
	}
	column := "prev_token"
	if dir == model.Forwards {
		column = "next_token"
	}
	var chunk model.Chunk
	result := t.db.
		Where("room_id = ? AND "+column+" = ?", roomID, token).
		Order("created_at, id").
		Limit(1).
		Find(&chunk)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &chunk, nil
}

func (t *chunkTx) GetChunk(chunkID string) (*model.Chunk, error) {
	var chunk model.Chunk
	result := t.db.Where("id = ?", chunkID).Limit(1).Find(&chunk)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "chunk", ID: chunkID}
	}
	return &chunk, nil
}

func (t *chunkTx) LiveChunk(roomID id.RoomID) (*model.Chunk, error) {
	var chunk model.Chunk
	result := t.db.Where("room_id = ? AND is_last_forward = ?", roomID, true).Limit(1).Find(&chunk)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &chunk, nil
}

func (t *chunkTx) CreateChunk(roomID id.RoomID, prevToken, nextToken string, isLastForward, isLastBackward bool) (*model.Chunk, error) {
	chunk := &model.Chunk{
		ID:             uuid.New().String(),
		RoomID:         roomID,
		PrevToken:      prevToken,
		NextToken:      nextToken,
		IsLastForward:  isLastForward,
		IsLastBackward: isLastBackward,
	}
	if err := t.demoteOthers(chunk); err != nil {
		return nil, err
	}
	if err := t.db.Create(chunk).Error; err != nil {
		return nil, err
	}
	return chunk, nil
}

func (t *chunkTx) UpdateChunk(chunk *model.Chunk) error {
	if err := t.demoteOthers(chunk); err != nil {
		return err
	}
	chunk.UpdatedAt = time.Now().UTC()
	return t.db.Model(&model.Chunk{}).Where("id = ?", chunk.ID).Updates(map[string]interface{}{
		"prev_token":       chunk.PrevToken,
		"next_token":       chunk.NextToken,
		"is_last_forward":  chunk.IsLastForward,
		"is_last_backward": chunk.IsLastBackward,
		"updated_at":       chunk.UpdatedAt,
	}).Error
}

// demoteOthers clears the live and last-backward flags held by any other chunk of
// the room when chunk claims them.
func (t *chunkTx) demoteOthers(chunk *model.Chunk) error {
	now := time.Now().UTC()
	if chunk.IsLastForward {
		err := t.db.Model(&model.Chunk{}).
			Where("room_id = ? AND is_last_forward = ? AND id <> ?", chunk.RoomID, true, chunk.ID).
			Updates(map[string]interface{}{"is_last_forward": false, "updated_at": now}).Error
		if err != nil {
			return err
		}
	}
	if chunk.IsLastBackward {
		err := t.db.Model(&model.Chunk{}).
			Where("room_id = ? AND is_last_backward = ? AND id <> ?", chunk.RoomID, true, chunk.ID).
			Updates(map[string]interface{}{"is_last_backward": false, "updated_at": now}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *chunkTx) DeleteChunk(chunk *model.Chunk) error {
	if err := t.db.Where("chunk_id = ?", chunk.ID).Delete(&model.TimelineEvent{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("chunk_id = ?", chunk.ID).Delete(&model.StateEvent{}).Error; err != nil {
		return err
	}
	return t.db.Where("id = ?", chunk.ID).Delete(&model.Chunk{}).Error
}

func (t *chunkTx) bounds(chunkID string) (indexBounds, error) {
	var b indexBounds
	err := t.db.Model(&model.TimelineEvent{}).
		Select("COALESCE(MIN(display_index), 0) AS min_index, COALESCE(MAX(display_index), -1) AS max_index, COUNT(*) AS event_count").
		Where("chunk_id = ?", chunkID).
		Scan(&b).Error
	return b, err
}

func (t *chunkTx) AddEvents(chunk *model.Chunk, events []model.TimelineEvent, atEnd bool) ([]model.TimelineEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ids := make([]id.EventID, 0, len(events))
	for _, evt := range events {
		ids = append(ids, evt.EventID)
	}
	owners, err := t.EventChunks(chunk.RoomID, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[id.EventID]bool, len(events))
	toAdd := make([]model.TimelineEvent, 0, len(events))
	for _, evt := range events {
		if _, stored := owners[evt.EventID]; stored || seen[evt.EventID] {
			continue
		}
		seen[evt.EventID] = true
		toAdd = append(toAdd, evt)
	}
	if len(toAdd) == 0 {
		return nil, nil
	}

	b, err := t.bounds(chunk.ID)
	if err != nil {
		return nil, err
	}
	first := b.MaxIndex + 1
	if !atEnd {
		first = b.MinIndex - int64(len(toAdd))
	}
	for i := range toAdd {
		toAdd[i].RoomID = chunk.RoomID
		toAdd[i].ChunkID = chunk.ID
		toAdd[i].DisplayIndex = first + int64(i)
		if toAdd[i].LocalID == "" {
			toAdd[i].LocalID = uuid.New().String()
		}
		if toAdd[i].SendState == "" {
			toAdd[i].SendState = model.SendStateSynced
		}
	}
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&toAdd, 100).Error; err != nil {
		return nil, err
	}
	return toAdd, nil
}

func (t *chunkTx) EventChunks(roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]string, error) {
	owners := make(map[id.EventID]string, len(eventIDs))
	for _, batch := range batches(eventIDs, maxInParams) {
		var rows []struct {
			EventID id.EventID
			ChunkID string
		}
		err := t.db.Model(&model.TimelineEvent{}).
			Select("event_id, chunk_id").
			Where("room_id = ? AND event_id IN ?", roomID, batch).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			owners[row.EventID] = row.ChunkID
		}
	}
	return owners, nil
}

func (t *chunkTx) MergeChunk(into, from *model.Chunk, atEnd bool) error {
	fb, err := t.bounds(from.ID)
	if err != nil {
		return err
	}
	if fb.EventCount > 0 {
		ib, err := t.bounds(into.ID)
		if err != nil {
			return err
		}
		offset := ib.MaxIndex + 1 - fb.MinIndex
		if !atEnd {
			offset = ib.MinIndex - 1 - fb.MaxIndex
		}
		err = t.db.Model(&model.TimelineEvent{}).
			Where("chunk_id = ?", from.ID).
			Updates(map[string]interface{}{
				"chunk_id":      into.ID,
				"display_index": gorm.Expr("display_index + ?", offset),
			}).Error
		if err != nil {
			return err
		}
	}

	var state []model.StateEvent
	if err := t.db.Where("chunk_id = ?", from.ID).Find(&state).Error; err != nil {
		return err
	}
	if err := t.AddStateEvents(into, state); err != nil {
		return err
	}
	return t.DeleteChunk(from)
}

func (t *chunkTx) AddStateEvents(chunk *model.Chunk, events []model.StateEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.StateEvent, len(events))
	for i, evt := range events {
		evt.ChunkID = chunk.ID
		evt.RoomID = chunk.RoomID
		evt.CreatedAt = time.Time{}
		rows[i] = evt
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 100).Error
}

var _ registrystore.ChunkTx = (*chunkTx)(nil)
