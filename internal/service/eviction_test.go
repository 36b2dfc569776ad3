package service

import (
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/testutil/fakehs"
	"github.com/chirino/room-timeline/internal/testutil/testdb"
	"github.com/stretchr/testify/require"
)

func TestEvictionService_KeepsLiveChunk(t *testing.T) {
	store := testdb.SQLite(t)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	syncer := NewSyncService(store, hs, gapfill.New(store, nil, nil), string(alice), 0)
	require.NoError(t, syncer.SyncOnce(t.Context()))
	hs.SendMessages(roomID, alice, 20)
	require.NoError(t, syncer.SyncOnce(t.Context()))

	chunks, err := store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	time.Sleep(10 * time.Millisecond)
	evictor := NewEvictionService(store, time.Hour, 0, 1, 0)
	require.Equal(t, 1, evictor.RunOnce(t.Context()))

	chunks, err = store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].IsLastForward)
	require.EqualValues(t, 10, chunks[0].EventCount)

	require.Zero(t, evictor.RunOnce(t.Context()))
}

func TestEvictionService_RespectsRetention(t *testing.T) {
	store := testdb.SQLite(t)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	syncer := NewSyncService(store, hs, gapfill.New(store, nil, nil), string(alice), 0)
	require.NoError(t, syncer.SyncOnce(t.Context()))
	hs.SendMessages(roomID, alice, 20)
	require.NoError(t, syncer.SyncOnce(t.Context()))

	evictor := NewEvictionService(store, time.Hour, 24*time.Hour, 10, 0)
	require.Zero(t, evictor.RunOnce(t.Context()))
}
