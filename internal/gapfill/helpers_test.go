package gapfill_test

import (
	"context"
	"sync"
	"testing"

	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/plugin/store/gormstore"
	"github.com/chirino/room-timeline/internal/testutil/fakehs"
	"github.com/chirino/room-timeline/internal/testutil/testdb"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	alice  = id.UserID("@alice:example.org")
	bob    = id.UserID("@bob:example.org")
	roomID = id.RoomID("!room:example.org")
)

type recordingInvalidator struct {
	mu      sync.Mutex
	targets []id.EventID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, _ id.RoomID, eventIDs []id.EventID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, eventIDs...)
}

func (r *recordingInvalidator) seen() []id.EventID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]id.EventID(nil), r.targets...)
}

func setup(t *testing.T, inv gapfill.Invalidator) (*gapfill.Persistor, *gormstore.Store, *fakehs.Server) {
	t.Helper()
	store := testdb.SQLite(t)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	return gapfill.New(store, nil, inv), store, hs
}

// syncOnce runs one sync round trip and stores every room in the response.
func syncOnce(t *testing.T, p *gapfill.Persistor, hs *fakehs.Server, since string) string {
	t.Helper()
	ctx := t.Context()
	resp, err := hs.Sync(ctx, since, 0)
	require.NoError(t, err)
	for rid, rs := range resp.Rooms {
		_, err := p.InsertSync(ctx, rid, gapfill.SyncSlice{
			Since:     since,
			PrevBatch: rs.Timeline.PrevBatch,
			Limited:   rs.Timeline.Limited,
			Events:    rs.Timeline.Events,
			State:     rs.State,
		})
		require.NoError(t, err)
	}
	return resp.NextBatch
}

func chunkEventIDs(t *testing.T, store *gormstore.Store, chunkID string) []id.EventID {
	t.Helper()
	events, err := store.ChunkEvents(t.Context(), chunkID)
	require.NoError(t, err)
	ids := make([]id.EventID, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	return ids
}

func serverIDs(hs *fakehs.Server, from, to int) []id.EventID {
	var ids []id.EventID
	for pos := from; pos < to; pos++ {
		ids = append(ids, hs.EventID(roomID, pos))
	}
	return ids
}

// requireSingleLive asserts the room has exactly one live chunk and returns it.
func requireSingleLive(t *testing.T, store *gormstore.Store) string {
	t.Helper()
	chunks, err := store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	live := ""
	for _, c := range chunks {
		if c.IsLastForward {
			require.Empty(t, live, "more than one live chunk")
			live = c.ID
		}
	}
	require.NotEmpty(t, live, "no live chunk")
	return live
}
