package rooms_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/annotations"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/plugin/route/rooms"
	"github.com/chirino/room-timeline/internal/plugin/store/gormstore"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	registryroute "github.com/chirino/room-timeline/internal/registry/route"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/testutil/fakehs"
	"github.com/chirino/room-timeline/internal/testutil/testdb"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	alice  = id.UserID("@alice:example.org")
	roomID = id.RoomID("!room:example.org")
)

type fixture struct {
	router *gin.Engine
	store  *gormstore.Store
	hs     *fakehs.Server
	p      *gapfill.Persistor
	cache  *mapCache
	since  string
}

// mapCache is an unbounded SummaryCache.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]model.EventAnnotationsSummary
}

func (c *mapCache) Available() bool { return true }

func (c *mapCache) Get(_ context.Context, roomID id.RoomID, eventID id.EventID) (*model.EventAnnotationsSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if summary, ok := c.entries[registrycache.Key(roomID, eventID)]; ok {
		return &summary, nil
	}
	return nil, nil
}

func (c *mapCache) Set(_ context.Context, roomID id.RoomID, eventID id.EventID, summary model.EventAnnotationsSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[registrycache.Key(roomID, eventID)] = summary
	return nil
}

func (c *mapCache) Remove(_ context.Context, roomID id.RoomID, eventIDs ...id.EventID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, eventID := range eventIDs {
		delete(c.entries, registrycache.Key(roomID, eventID))
	}
	return nil
}

func setup(t *testing.T, messages int) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := testdb.SQLite(t)
	cache := &mapCache{entries: map[string]model.EventAnnotationsSummary{}}
	agg := annotations.New(store, cache, alice, time.Minute)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	hs.SendMessages(roomID, alice, messages)

	r := gin.New()
	p := gapfill.New(store, nil, agg)
	rooms.MountRoutes(r, &registryroute.Services{Store: store, Fetcher: hs, Persistor: p, Aggregator: agg})
	f := &fixture{router: r, store: store, hs: hs, p: p, cache: cache}
	f.sync(t)
	return f
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	resp, err := f.hs.Sync(t.Context(), f.since, 0)
	require.NoError(t, err)
	for rid, rs := range resp.Rooms {
		_, err := f.p.InsertSync(t.Context(), rid, gapfill.SyncSlice{
			Since:     f.since,
			PrevBatch: rs.Timeline.PrevBatch,
			Limited:   rs.Timeline.Limited,
			Events:    rs.Timeline.Events,
			State:     rs.State,
		})
		require.NoError(t, err)
	}
	f.since = resp.NextBatch
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

type timelineBody struct {
	Events []struct {
		Event model.TimelineEvent `json:"event"`
	} `json:"events"`
	Backwards model.PaginationState `json:"backwards"`
	Forwards  model.PaginationState `json:"forwards"`
}

func TestRooms_ListRoomsAndChunks(t *testing.T) {
	f := setup(t, 20)

	var roomsBody struct {
		Data []registrystore.RoomSummary `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/rooms", &roomsBody))
	require.Len(t, roomsBody.Data, 1)
	require.Equal(t, roomID, roomsBody.Data[0].RoomID)
	require.EqualValues(t, 10, roomsBody.Data[0].EventCount)

	var chunksBody struct {
		Data []registrystore.ChunkSummary `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/chunks", &chunksBody))
	require.Len(t, chunksBody.Data, 1)
	require.True(t, chunksBody.Data[0].IsLastForward)
	require.Equal(t, "t16", chunksBody.Data[0].PrevToken)
}

func TestRooms_TimelinePaginates(t *testing.T) {
	f := setup(t, 20)

	var body timelineBody
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/timeline?backward=20", &body))
	require.Len(t, body.Events, 26)
	require.Equal(t, f.hs.EventID(roomID, 0), body.Events[0].Event.EventID)
	require.False(t, body.Backwards.HasMoreToLoad)
	require.False(t, body.Forwards.HasMoreToLoad)
}

func TestRooms_TimelineAroundEvent(t *testing.T) {
	f := setup(t, 20)

	focus := f.hs.EventID(roomID, 18)
	var body timelineBody
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/timeline?eventId="+string(focus), &body))
	require.Len(t, body.Events, 3)
	require.Equal(t, focus, body.Events[2].Event.EventID)
	require.True(t, body.Forwards.HasMoreToLoad)
	require.True(t, body.Backwards.HasMoreToLoad)
}

func TestRooms_TimelineErrors(t *testing.T) {
	f := setup(t, 5)

	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/timeline?eventId=$missing", nil))
	require.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/timeline?backward=lots", nil))
}

func TestRooms_AnnotationsAndClear(t *testing.T) {
	f := setup(t, 3)
	target := f.hs.EventID(roomID, 6)

	var summary model.EventAnnotationsSummary
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/events/"+string(target)+"/annotations", &summary))
	require.Equal(t, target, summary.EventID)
	require.Empty(t, summary.Reactions)

	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/events/$missing/annotations", nil))

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/rooms/"+string(roomID), nil))
	chunks, err := f.store.ListChunks(t.Context(), roomID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestRooms_ClearDropsCachedAnnotations(t *testing.T) {
	f := setup(t, 3)
	target := f.hs.EventID(roomID, 6)
	f.hs.Send(roomID, alice, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": target, "key": "👍"},
	})
	f.sync(t)

	var summary model.EventAnnotationsSummary
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/rooms/"+string(roomID)+"/events/"+string(target)+"/annotations", &summary))
	require.Len(t, summary.Reactions, 1)
	cached, err := f.cache.Get(t.Context(), roomID, target)
	require.NoError(t, err)
	require.NotNil(t, cached)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/rooms/"+string(roomID), nil))
	cached, err = f.cache.Get(t.Context(), roomID, target)
	require.NoError(t, err)
	require.Nil(t, cached)
}
