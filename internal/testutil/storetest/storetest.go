// Package storetest holds behaviour tests shared by every TimelineStore backend.
package storetest

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const roomID = id.RoomID("!contract:example.org")

// Run executes the contract suite. open must return an empty, migrated store.
func Run(t *testing.T, open func(t *testing.T) registrystore.TimelineStore) {
	t.Run("LiveChunkIsUnique", func(t *testing.T) { testLiveChunkIsUnique(t, open(t)) })
	t.Run("AddEventsSkipsStoredEvents", func(t *testing.T) { testAddEventsSkipsStored(t, open(t)) })
	t.Run("MergeKeepsOrder", func(t *testing.T) { testMergeKeepsOrder(t, open(t)) })
	t.Run("AdjacentChunk", func(t *testing.T) { testAdjacentChunk(t, open(t)) })
	t.Run("RelatedEvents", func(t *testing.T) { testRelatedEvents(t, open(t)) })
	t.Run("SyncToken", func(t *testing.T) { testSyncToken(t, open(t)) })
	t.Run("ClearRoom", func(t *testing.T) { testClearRoom(t, open(t)) })
	t.Run("Eviction", func(t *testing.T) { testEviction(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
}

// Event builds a parsed message event.
func Event(t *testing.T, eventID string, ts int64, content map[string]any) model.TimelineEvent {
	t.Helper()
	if content == nil {
		content = map[string]any{"msgtype": "m.text", "body": eventID}
	}
	raw, err := json.Marshal(map[string]any{
		"event_id":         eventID,
		"type":             "m.room.message",
		"sender":           "@alice:example.org",
		"origin_server_ts": ts,
		"content":          content,
	})
	require.NoError(t, err)
	evt, err := model.ParseEvent(roomID, raw)
	require.NoError(t, err)
	return evt
}

func events(t *testing.T, from, to int) []model.TimelineEvent {
	var out []model.TimelineEvent
	for i := from; i < to; i++ {
		out = append(out, Event(t, fmt.Sprintf("$e%d", i), int64(i), nil))
	}
	return out
}

func ids(events []model.TimelineEvent) []id.EventID {
	out := make([]id.EventID, len(events))
	for i, evt := range events {
		out[i] = evt.EventID
	}
	return out
}

func tx(t *testing.T, store registrystore.TimelineStore, fn func(tx registrystore.ChunkTx) error) {
	t.Helper()
	require.NoError(t, store.Transaction(t.Context(), fn))
}

func testLiveChunkIsUnique(t *testing.T, store registrystore.TimelineStore) {
	var first, second *model.Chunk
	tx(t, store, func(tx registrystore.ChunkTx) (err error) {
		first, err = tx.CreateChunk(roomID, "p1", "", true, false)
		return err
	})
	tx(t, store, func(tx registrystore.ChunkTx) (err error) {
		second, err = tx.CreateChunk(roomID, "p2", "", true, false)
		return err
	})

	live, err := store.LiveChunk(t.Context(), roomID)
	require.NoError(t, err)
	require.Equal(t, second.ID, live.ID)
	demoted, err := store.GetChunk(t.Context(), first.ID)
	require.NoError(t, err)
	require.False(t, demoted.IsLastForward)
}

func testAddEventsSkipsStored(t *testing.T, store registrystore.TimelineStore) {
	var added []model.TimelineEvent
	tx(t, store, func(tx registrystore.ChunkTx) error {
		a, err := tx.CreateChunk(roomID, "", "n1", false, true)
		if err != nil {
			return err
		}
		if _, err := tx.AddEvents(a, events(t, 0, 3), true); err != nil {
			return err
		}
		b, err := tx.CreateChunk(roomID, "p2", "", true, false)
		if err != nil {
			return err
		}
		added, err = tx.AddEvents(b, events(t, 2, 5), true)
		return err
	})
	require.Equal(t, []id.EventID{"$e3", "$e4"}, ids(added))

	rooms, err := store.ListRooms(t.Context())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.EqualValues(t, 5, rooms[0].EventCount)
	require.EqualValues(t, 2, rooms[0].ChunkCount)
}

func testMergeKeepsOrder(t *testing.T, store registrystore.TimelineStore) {
	var into *model.Chunk
	tx(t, store, func(tx registrystore.ChunkTx) (err error) {
		into, err = tx.CreateChunk(roomID, "p", "n", false, false)
		if err != nil {
			return err
		}
		if _, err = tx.AddEvents(into, events(t, 3, 6), true); err != nil {
			return err
		}
		if _, err = tx.AddEvents(into, events(t, 1, 3), false); err != nil {
			return err
		}
		before, err := tx.CreateChunk(roomID, "", "p", false, true)
		if err != nil {
			return err
		}
		if _, err = tx.AddEvents(before, events(t, 0, 1), true); err != nil {
			return err
		}
		after, err := tx.CreateChunk(roomID, "n", "", true, false)
		if err != nil {
			return err
		}
		if _, err = tx.AddEvents(after, events(t, 6, 8), true); err != nil {
			return err
		}
		if err := tx.MergeChunk(into, before, false); err != nil {
			return err
		}
		return tx.MergeChunk(into, after, true)
	})

	got, err := store.ChunkEvents(t.Context(), into.ID)
	require.NoError(t, err)
	require.Equal(t, ids(events(t, 0, 8)), ids(got))
	chunks, err := store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func testAdjacentChunk(t *testing.T, store registrystore.TimelineStore) {
	var older, newer *model.Chunk
	tx(t, store, func(tx registrystore.ChunkTx) (err error) {
		if older, err = tx.CreateChunk(roomID, "", "gap", false, true); err != nil {
			return err
		}
		newer, err = tx.CreateChunk(roomID, "gap", "", true, false)
		return err
	})

	got, err := store.AdjacentChunk(t.Context(), roomID, "gap", model.Backwards)
	require.NoError(t, err)
	require.Equal(t, older.ID, got.ID)
	got, err = store.AdjacentChunk(t.Context(), roomID, "gap", model.Forwards)
	require.NoError(t, err)
	require.Equal(t, newer.ID, got.ID)
	got, err = store.AdjacentChunk(t.Context(), roomID, "", model.Forwards)
	require.NoError(t, err)
	require.Nil(t, got)
}

func testRelatedEvents(t *testing.T, store registrystore.TimelineStore) {
	target := Event(t, "$target", 1, nil)
	reaction := Event(t, "$reaction", 2, map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": "$target", "key": "x"},
	})
	other := Event(t, "$other", 3, nil)
	tx(t, store, func(tx registrystore.ChunkTx) error {
		c, err := tx.CreateChunk(roomID, "", "", true, true)
		if err != nil {
			return err
		}
		_, err = tx.AddEvents(c, []model.TimelineEvent{target, reaction, other}, true)
		return err
	})

	related, err := store.RelatedEvents(t.Context(), roomID, []id.EventID{"$target"})
	require.NoError(t, err)
	require.Equal(t, []id.EventID{"$reaction"}, ids(related))
	require.JSONEq(t, string(reaction.Raw), string(related[0].Raw))

	_, err = store.GetEvent(t.Context(), roomID, "$missing")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testSyncToken(t *testing.T, store registrystore.TimelineStore) {
	token, err := store.SyncToken(t.Context(), "@alice:example.org")
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, store.SaveSyncToken(t.Context(), "@alice:example.org", "s1"))
	require.NoError(t, store.SaveSyncToken(t.Context(), "@alice:example.org", "s2"))
	token, err = store.SyncToken(t.Context(), "@alice:example.org")
	require.NoError(t, err)
	require.Equal(t, "s2", token)
}

func testClearRoom(t *testing.T, store registrystore.TimelineStore) {
	tx(t, store, func(tx registrystore.ChunkTx) error {
		c, err := tx.CreateChunk(roomID, "", "", true, true)
		if err != nil {
			return err
		}
		_, err = tx.AddEvents(c, events(t, 0, 3), true)
		return err
	})
	require.NoError(t, store.ClearRoom(t.Context(), roomID))

	rooms, err := store.ListRooms(t.Context())
	require.NoError(t, err)
	require.Empty(t, rooms)
	_, err = store.GetEvent(t.Context(), roomID, "$e0")
	require.Error(t, err)
}

func testEviction(t *testing.T, store registrystore.TimelineStore) {
	var stale, live *model.Chunk
	tx(t, store, func(tx registrystore.ChunkTx) (err error) {
		if stale, err = tx.CreateChunk(roomID, "a", "b", false, false); err != nil {
			return err
		}
		if _, err = tx.AddEvents(stale, events(t, 0, 2), true); err != nil {
			return err
		}
		live, err = tx.CreateChunk(roomID, "c", "", true, false)
		return err
	})

	evictable, err := store.EvictableChunks(t.Context(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{stale.ID}, evictable)

	require.NoError(t, store.DeleteChunks(t.Context(), evictable))
	chunks, err := store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, live.ID, chunks[0].ID)
}

func testRollback(t *testing.T, store registrystore.TimelineStore) {
	err := store.Transaction(t.Context(), func(tx registrystore.ChunkTx) error {
		if _, err := tx.CreateChunk(roomID, "", "", true, true); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")

	chunks, err := store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
