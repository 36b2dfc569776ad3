package matrix

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func raw(t *testing.T, eventID string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event_id": eventID, "type": "m.room.message", "sender": "@a:hs", "origin_server_ts": 1})
	require.NoError(t, err)
	return b
}

func eventIDs(t *testing.T, raws []json.RawMessage) []string {
	t.Helper()
	out := make([]string, len(raws))
	for i, r := range raws {
		var head struct {
			EventID string `json:"event_id"`
		}
		require.NoError(t, json.Unmarshal(r, &head))
		out[i] = head.EventID
	}
	return out
}

func newServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "@me:hs", "secret")
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestFetch_Backwards(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "!r:hs", r.PathValue("room"))
		require.Equal(t, "b", r.URL.Query().Get("dir"))
		require.Equal(t, "t10", r.URL.Query().Get("from"))
		require.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"start": "t10",
			"end":   "t7",
			"chunk": []json.RawMessage{raw(t, "$9"), raw(t, "$8"), raw(t, "$7")},
		})
	})
	c := newServer(t, mux)

	res, err := c.Fetch(t.Context(), "!r:hs", "t10", model.Backwards, 3)
	require.NoError(t, err)
	require.Equal(t, "t10", res.Start)
	require.Equal(t, "t7", res.End)
	require.Equal(t, []string{"$9", "$8", "$7"}, eventIDs(t, res.Events))
}

func TestFetch_ForwardsWithoutEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "f", r.URL.Query().Get("dir"))
		writeJSON(t, w, http.StatusOK, map[string]any{"chunk": []json.RawMessage{}})
	})
	c := newServer(t, mux)

	res, err := c.Fetch(t.Context(), "!r:hs", "t10", model.Forwards, 5)
	require.NoError(t, err)
	require.Equal(t, "t10", res.Start)
	require.Empty(t, res.End)
	require.Empty(t, res.Events)
}

func TestFetch_ServerErrorIsTransport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadGateway, map[string]any{"errcode": "M_UNKNOWN", "error": "upstream"})
	})
	c := newServer(t, mux)

	_, err := c.Fetch(t.Context(), "!r:hs", "t10", model.Backwards, 5)
	var transport *model.TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, "messages", transport.Op)
}

func TestFetchContext_IsChronological(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/context/{event}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "$5", r.PathValue("event"))
		require.Equal(t, "4", r.URL.Query().Get("limit"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"start":         "t3",
			"end":           "t8",
			"event":         raw(t, "$5"),
			"events_before": []json.RawMessage{raw(t, "$4"), raw(t, "$3")},
			"events_after":  []json.RawMessage{raw(t, "$6"), raw(t, "$7")},
		})
	})
	c := newServer(t, mux)

	res, err := c.FetchContext(t.Context(), "!r:hs", "$5", 4)
	require.NoError(t, err)
	require.Equal(t, "t3", res.Start)
	require.Equal(t, "t8", res.End)
	require.Equal(t, []string{"$3", "$4", "$5", "$6", "$7"}, eventIDs(t, res.Events))
}

func TestFetchContext_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/context/{event}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "Event not found."})
	})
	c := newServer(t, mux)

	_, err := c.FetchContext(t.Context(), "!r:hs", "$missing", 4)
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, id.EventID("$missing"), notFound.EventID)
}

func TestSync(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/sync", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s1", r.URL.Query().Get("since"))
		require.Equal(t, "1500", r.URL.Query().Get("timeout"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"next_batch": "s2",
			"rooms": map[string]any{
				"join": map[string]any{
					"!r:hs": map[string]any{
						"state": map[string]any{"events": []json.RawMessage{raw(t, "$m")}},
						"timeline": map[string]any{
							"events":     []json.RawMessage{raw(t, "$1"), raw(t, "$2")},
							"limited":    true,
							"prev_batch": "t1",
						},
					},
				},
			},
		})
	})
	c := newServer(t, mux)

	resp, err := c.Sync(t.Context(), "s1", 1500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "s2", resp.NextBatch)
	room := resp.Rooms["!r:hs"]
	require.True(t, room.Timeline.Limited)
	require.Equal(t, "t1", room.Timeline.PrevBatch)
	require.Equal(t, []string{"$1", "$2"}, eventIDs(t, room.Timeline.Events))
	require.Equal(t, []string{"$m"}, eventIDs(t, room.State))
	require.Equal(t, id.UserID("@me:hs"), c.Account())
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("", "@me:hs", "secret")
	require.ErrorContains(t, err, "ROOM_TIMELINE_HOMESERVER_URL")
}
