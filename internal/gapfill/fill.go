package gapfill

import (
	"slices"

	"github.com/chirino/room-timeline/internal/model"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"maunium.net/go/mautrix/id"
)

// filler splices one slice into an anchor chunk inside a transaction.
type filler struct {
	tx     registrystore.ChunkTx
	roomID id.RoomID
	anchor *model.Chunk
	// empty is true while the anchor holds no events.
	empty bool
	res   InsertResult
}

// fill adds events, given in chronological order, to the dir side of the anchor.
// Events already owned by another chunk pull that whole chunk into the anchor.
func (f *filler) fill(dir model.Direction, events []model.TimelineEvent, end string) error {
	atEnd := dir == model.Forwards
	// Walk away from the anchor: oldest first when appending, newest first when prepending.
	walk := slices.Clone(events)
	if !atEnd {
		slices.Reverse(walk)
	}

	ids := make([]id.EventID, len(walk))
	for i, evt := range walk {
		ids[i] = evt.EventID
	}
	owners, err := f.tx.EventChunks(f.roomID, ids)
	if err != nil {
		return err
	}

	var pending []model.TimelineEvent
	tailFromMerge := false
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		if !atEnd {
			batch = slices.Clone(pending)
			slices.Reverse(batch)
		}
		added, err := f.tx.AddEvents(f.anchor, batch, atEnd)
		if err != nil {
			return err
		}
		if atEnd {
			f.res.Added = append(f.res.Added, added...)
		} else {
			f.res.Added = append(added, f.res.Added...)
		}
		if len(added) > 0 {
			f.empty = false
			tailFromMerge = false
		}
		pending = nil
		return nil
	}

	for _, evt := range walk {
		owner, stored := owners[evt.EventID]
		if !stored {
			pending = append(pending, evt)
			owners[evt.EventID] = f.anchor.ID
			continue
		}
		if owner == f.anchor.ID {
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		other, err := f.tx.GetChunk(owner)
		if err != nil {
			return err
		}
		if err := f.absorb(other, atEnd, true); err != nil {
			return err
		}
		for eventID, chunkID := range owners {
			if chunkID == other.ID {
				owners[eventID] = f.anchor.ID
			}
		}
		tailFromMerge = true
	}
	if err := flush(); err != nil {
		return err
	}

	if !tailFromMerge {
		f.extendBoundary(dir, end, len(events) == 0)
	}
	return nil
}

// extendBoundary moves the anchor's open token on the dir side to end. An
// empty end on a backward slice means the start of the room was reached. An
// empty forward slice without an end means the server has nothing past the
// token yet, so the anchor stops advertising it.
func (f *filler) extendBoundary(dir model.Direction, end string, drained bool) {
	if dir == model.Backwards {
		f.anchor.PrevToken = end
		if end == "" {
			f.anchor.IsLastBackward = true
		}
		return
	}
	if f.anchor.IsLastForward {
		return
	}
	switch {
	case end != "":
		f.anchor.NextToken = end
	case drained:
		f.anchor.NextToken = ""
	}
}

// absorb merges other into the anchor on the given side and adopts its far
// boundary. An overlap merge into an empty anchor adopts both boundaries.
func (f *filler) absorb(other *model.Chunk, atEnd bool, overlap bool) error {
	if err := f.tx.MergeChunk(f.anchor, other, atEnd); err != nil {
		return err
	}
	adoptNext := atEnd || (overlap && f.empty)
	adoptPrev := !atEnd || (overlap && f.empty)
	if adoptNext && !f.anchor.IsLastForward {
		f.anchor.NextToken = other.NextToken
		f.anchor.IsLastForward = other.IsLastForward
	}
	if adoptPrev {
		if atEnd && f.anchor.IsLastBackward {
			// the anchor already reaches the start of the room
		} else {
			f.anchor.PrevToken = other.PrevToken
			f.anchor.IsLastBackward = other.IsLastBackward
		}
	}
	f.empty = false
	f.res.Merged++
	if overlap {
		f.res.overlapMerges++
	}
	return nil
}

// mergeAdjacent absorbs neighbours whose boundary token coincides with one of
// the anchor's until none is left.
func (f *filler) mergeAdjacent() error {
	for {
		merged := false
		if !f.anchor.IsLastForward && f.anchor.NextToken != "" {
			next, err := f.tx.FindChunk(f.roomID, f.anchor.NextToken, model.Backwards)
			if err != nil {
				return err
			}
			if next != nil && next.ID != f.anchor.ID {
				if err := f.absorb(next, true, false); err != nil {
					return err
				}
				merged = true
			}
		}
		if !f.anchor.IsLastBackward && f.anchor.PrevToken != "" {
			prev, err := f.tx.FindChunk(f.roomID, f.anchor.PrevToken, model.Forwards)
			if err != nil {
				return err
			}
			if prev != nil && prev.ID != f.anchor.ID {
				if err := f.absorb(prev, false, false); err != nil {
					return err
				}
				merged = true
			}
		}
		if !merged {
			return nil
		}
		if err := f.tx.UpdateChunk(f.anchor); err != nil {
			return err
		}
	}
}

func (f *filler) finish(state []model.StateEvent) (*InsertResult, error) {
	if err := f.tx.UpdateChunk(f.anchor); err != nil {
		return nil, err
	}
	if err := f.mergeAdjacent(); err != nil {
		return nil, err
	}
	if err := f.tx.AddStateEvents(f.anchor, state); err != nil {
		return nil, err
	}
	f.res.ChunkID = f.anchor.ID
	return &f.res, nil
}
