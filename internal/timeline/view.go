package timeline

import (
	"context"

	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"maunium.net/go/mautrix/id"
)

// window is the cursor position: the first and last raw events shown, or the
// anchor chunk while nothing is shown yet.
type window struct {
	chunkID string
	first   id.EventID
	last    id.EventID
	// follow extends the window with events synced into the live chunk.
	follow bool
}

// view is the continuous run of chunks around the window.
type view struct {
	chunks []*model.Chunk
	events []model.TimelineEvent
	// lo and hi bound the window in events, hi exclusive.
	lo, hi    int
	backToken string
	fwdToken  string
	live      bool
}

func (v *view) hasMore(dir model.Direction) bool {
	if dir == model.Backwards {
		return v.lo > 0 || v.backToken != ""
	}
	return v.hi < len(v.events) || v.fwdToken != ""
}

// local counts the stored events beyond the window in dir.
func (v *view) local(dir model.Direction) int {
	if dir == model.Backwards {
		return v.lo
	}
	return len(v.events) - v.hi
}

func (v *view) token(dir model.Direction) string {
	if dir == model.Backwards {
		return v.backToken
	}
	return v.fwdToken
}

// window captures the position of v. A window touching the live end follows it.
func (v *view) window() window {
	w := window{follow: v.live && v.hi == len(v.events)}
	if len(v.chunks) == 0 {
		// Nothing stored yet; show whatever sync brings.
		w.follow = true
	} else {
		w.chunkID = v.chunks[0].ID
	}
	if v.hi > v.lo {
		w.first = v.events[v.lo].EventID
		w.last = v.events[v.hi-1].EventID
		w.chunkID = v.events[v.lo].ChunkID
	}
	return w
}

func indexOf(events []model.TimelineEvent, eventID id.EventID) int {
	if eventID == "" {
		return -1
	}
	for i := range events {
		if events[i].EventID == eventID {
			return i
		}
	}
	return -1
}

// load reads the run containing the window and positions the window in it.
func (t *Timeline) load(ctx context.Context, w window) (*view, error) {
	store := t.deps.Store
	chunkID := w.chunkID
	if w.first != "" {
		evt, err := store.GetEvent(ctx, t.roomID, w.first)
		switch {
		case err == nil:
			chunkID = evt.ChunkID
		case !registrystore.IsNotFound(err):
			return nil, err
		}
	}

	var anchor *model.Chunk
	if chunkID != "" {
		c, err := store.GetChunk(ctx, chunkID)
		if err != nil && !registrystore.IsNotFound(err) {
			return nil, err
		}
		anchor = c
	}
	if anchor == nil {
		c, err := store.LiveChunk(ctx, t.roomID)
		if err != nil {
			return nil, err
		}
		anchor = c
	}
	v := &view{}
	if anchor == nil {
		return v, nil
	}

	chunks, err := t.walk(ctx, anchor)
	if err != nil {
		return nil, err
	}
	v.chunks = chunks
	for _, c := range chunks {
		events, err := store.ChunkEvents(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		v.events = append(v.events, events...)
	}
	oldest, newest := chunks[0], chunks[len(chunks)-1]
	if !oldest.IsLastBackward {
		v.backToken = oldest.PrevToken
	}
	if !newest.IsLastForward {
		v.fwdToken = newest.NextToken
	}
	v.live = newest.IsLastForward

	n := len(v.events)
	lo, last := indexOf(v.events, w.first), indexOf(v.events, w.last)
	switch {
	case w.first == "":
		v.lo, v.hi = 0, 0
		if w.follow && v.live {
			v.hi = n
			v.lo = max(0, n-t.settings.PageSize)
		}
	case lo < 0 || last < lo:
		// The window's events are gone, fall back to the newest page.
		v.hi = n
		v.lo = max(0, n-t.settings.PageSize)
	default:
		v.lo, v.hi = lo, last+1
		if w.follow && v.live {
			v.hi = n
		}
	}
	return v, nil
}

// walk collects the chunks token-adjacent to anchor, oldest first.
func (t *Timeline) walk(ctx context.Context, anchor *model.Chunk) ([]*model.Chunk, error) {
	seen := map[string]bool{anchor.ID: true}
	var older []*model.Chunk
	for c := anchor; !c.IsLastBackward && c.PrevToken != ""; {
		prev, err := t.deps.Store.AdjacentChunk(ctx, t.roomID, c.PrevToken, model.Backwards)
		if err != nil {
			return nil, err
		}
		if prev == nil || seen[prev.ID] {
			break
		}
		seen[prev.ID] = true
		older = append(older, prev)
		c = prev
	}
	chunks := make([]*model.Chunk, 0, len(older)+1)
	for i := len(older) - 1; i >= 0; i-- {
		chunks = append(chunks, older[i])
	}
	chunks = append(chunks, anchor)
	for c := anchor; !c.IsLastForward && c.NextToken != ""; {
		next, err := t.deps.Store.AdjacentChunk(ctx, t.roomID, c.NextToken, model.Forwards)
		if err != nil {
			return nil, err
		}
		if next == nil || seen[next.ID] {
			break
		}
		seen[next.ID] = true
		chunks = append(chunks, next)
		c = next
	}
	return chunks, nil
}
