package annotations_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/annotations"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/plugin/cache/memory"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/testutil/fakehs"
	"github.com/chirino/room-timeline/internal/testutil/testdb"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	alice  = id.UserID("@alice:example.org")
	bob    = id.UserID("@bob:example.org")
	roomID = id.RoomID("!poll:example.org")
)

type harness struct {
	hs    *fakehs.Server
	p     *gapfill.Persistor
	agg   *annotations.Aggregator
	since string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testdb.SQLite(t)
	summaries, err := memory.New(100, time.Minute)
	require.NoError(t, err)
	agg := annotations.New(store, summaries, alice, time.Minute)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	hs.Join(roomID, bob, "Bob")
	return &harness{hs: hs, p: gapfill.New(store, nil, agg), agg: agg}
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	resp, err := h.hs.Sync(t.Context(), h.since, 0)
	require.NoError(t, err)
	for rid, rs := range resp.Rooms {
		_, err := h.p.InsertSync(t.Context(), rid, gapfill.SyncSlice{
			Since:     h.since,
			PrevBatch: rs.Timeline.PrevBatch,
			Limited:   rs.Timeline.Limited,
			Events:    rs.Timeline.Events,
			State:     rs.State,
		})
		require.NoError(t, err)
	}
	h.since = resp.NextBatch
}

func (h *harness) vote(sender id.UserID, poll id.EventID, answer string) {
	h.hs.Send(roomID, sender, "m.poll.response", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.reference", "event_id": poll},
		"m.selections": []string{answer},
	})
}

func TestAggregator_PollVotesUpdateCachedSummary(t *testing.T) {
	h := newHarness(t)
	poll := h.hs.Send(roomID, alice, "m.poll.start", map[string]any{
		"m.poll": map[string]any{
			"max_selections": 1,
			"question":       map[string]any{"m.text": []map[string]any{{"body": "Tea or coffee?"}}},
			"answers": []map[string]any{
				{"m.id": "1", "m.text": []map[string]any{{"body": "Tea"}}},
				{"m.id": "2", "m.text": []map[string]any{{"body": "Coffee"}}},
			},
		},
	})
	h.sync(t)

	summary, err := h.agg.Summary(t.Context(), roomID, poll)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Poll.TotalVotes)

	h.vote(bob, poll, "1")
	h.sync(t)
	summary, err = h.agg.Summary(t.Context(), roomID, poll)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 1.0}, summary.Poll.VoteSummary["1"])

	h.vote(alice, poll, "2")
	h.sync(t)
	summary, err = h.agg.Summary(t.Context(), roomID, poll)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Poll.TotalVotes)
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 0.5}, summary.Poll.VoteSummary["1"])
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 0.5}, summary.Poll.VoteSummary["2"])
}

func TestAggregator_RedactedReactionIsRemoved(t *testing.T) {
	h := newHarness(t)
	msg := h.hs.SendMessage(roomID, alice, "hello")
	h.sync(t)
	reaction := h.hs.Send(roomID, bob, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": msg, "key": "👍"},
	})
	h.sync(t)

	summary, err := h.agg.Summary(t.Context(), roomID, msg)
	require.NoError(t, err)
	require.Len(t, summary.Reactions, 1)

	h.hs.Send(roomID, bob, "m.room.redaction", map[string]any{"redacts": reaction})
	h.sync(t)
	summary, err = h.agg.Summary(t.Context(), roomID, msg)
	require.NoError(t, err)
	require.Nil(t, summary)
}

func TestAggregator_DecorateKeepsOrder(t *testing.T) {
	h := newHarness(t)
	first := h.hs.SendMessage(roomID, alice, "one")
	second := h.hs.SendMessage(roomID, bob, "two")
	h.hs.Send(roomID, bob, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": second, "key": "x"},
	})
	h.sync(t)

	events := []model.TimelineEvent{
		{RoomID: roomID, EventID: first, Sender: alice},
		{RoomID: roomID, EventID: second, Sender: bob},
	}
	decorated, err := h.agg.Decorate(t.Context(), roomID, events)
	require.NoError(t, err)
	require.Len(t, decorated, 2)
	require.Equal(t, first, decorated[0].Event.EventID)
	require.Nil(t, decorated[0].Annotations)
	require.Equal(t, bob, decorated[1].Sender.UserID)
	require.Equal(t, "x", decorated[1].Annotations.Reactions[0].Key)
}

// gatedStore pauses the first armed RelatedEvents call after it has read the store.
type gatedStore struct {
	registrystore.TimelineStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) RelatedEvents(ctx context.Context, roomID id.RoomID, targets []id.EventID) ([]model.TimelineEvent, error) {
	related, err := g.TimelineStore.RelatedEvents(ctx, roomID, targets)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return related, err
}

func TestAggregator_InvalidateDuringReadIsNotOverwritten(t *testing.T) {
	store := testdb.SQLite(t)
	gated := &gatedStore{TimelineStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	summaries, err := memory.New(100, time.Minute)
	require.NoError(t, err)
	agg := annotations.New(gated, summaries, alice, time.Minute)
	hs := fakehs.New(alice)
	hs.CreateRoom(roomID, alice)
	hs.Join(roomID, bob, "Bob")
	h := &harness{hs: hs, p: gapfill.New(store, nil, agg), agg: agg}

	msg := hs.SendMessage(roomID, alice, "hello")
	h.sync(t)

	gated.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := agg.Summary(context.Background(), roomID, msg)
		done <- err
	}()
	<-gated.entered

	// The reader has seen no reactions; this one lands and invalidates before it caches.
	hs.Send(roomID, bob, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": msg, "key": "👍"},
	})
	h.sync(t)
	close(gated.release)
	require.NoError(t, <-done)

	summary, err := agg.Summary(t.Context(), roomID, msg)
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Len(t, summary.Reactions, 1)
}
