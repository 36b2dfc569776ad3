package timeline

import (
	"context"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// profiles maps members to the profile of their latest join.
type profiles map[id.UserID]model.SenderInfo

func (p profiles) apply(stateKey string, content gjson.Result) {
	if content.Get("membership").String() != string(event.MembershipJoin) {
		return
	}
	user := id.UserID(stateKey)
	p[user] = model.SenderInfo{
		UserID:      user,
		DisplayName: content.Get("displayname").String(),
		AvatarURL:   content.Get("avatar_url").String(),
	}
}

// chunkProfiles returns the member profiles recorded in a chunk's state.
func (t *Timeline) chunkProfiles(ctx context.Context, chunkID string) (profiles, error) {
	if cached, ok := t.profiles.Get(chunkID); ok {
		return cached, nil
	}
	state, err := t.deps.Store.ChunkState(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	out := profiles{}
	for _, evt := range state {
		if evt.Type == event.StateMember.Type {
			out.apply(evt.StateKey, gjson.GetBytes(evt.Raw, "content"))
		}
	}
	t.profiles.Add(chunkID, out)
	return out, nil
}

// senderInfo resolves the profile of every event sender in the window as it was
// when the event was sent: chunk state first, then member events in order.
func (t *Timeline) senderInfo(ctx context.Context, v *view) (map[id.EventID]model.SenderInfo, error) {
	current := profiles{}
	for _, c := range v.chunks {
		p, err := t.chunkProfiles(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for user, info := range p {
			if _, ok := current[user]; !ok {
				current[user] = info
			}
		}
	}

	out := make(map[id.EventID]model.SenderInfo, v.hi-v.lo)
	for i := 0; i < v.hi; i++ {
		evt := v.events[i]
		if evt.Type == event.StateMember.Type && evt.StateKey != nil {
			current.apply(*evt.StateKey, evt.Content())
		}
		if i < v.lo {
			continue
		}
		info, ok := current[evt.Sender]
		if !ok {
			info = model.SenderInfo{UserID: evt.Sender}
		}
		out[evt.EventID] = info
	}
	return out, nil
}
