package model

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Poll event types. Both the stable and the MSC3381 unstable names are accepted.
const (
	EventPollStart            = "m.poll.start"
	EventPollResponse         = "m.poll.response"
	EventPollEnd              = "m.poll.end"
	EventUnstablePollStart    = "org.matrix.msc3381.poll.start"
	EventUnstablePollResponse = "org.matrix.msc3381.poll.response"
	EventUnstablePollEnd      = "org.matrix.msc3381.poll.end"
)

// ParseEvent extracts the indexed fields of a raw client event. The returned event
// is not yet attached to a chunk.
func ParseEvent(roomID id.RoomID, raw json.RawMessage) (TimelineEvent, error) {
	if !gjson.ValidBytes(raw) {
		return TimelineEvent{}, fmt.Errorf("invalid event json")
	}
	res := gjson.ParseBytes(raw)
	evt := TimelineEvent{
		RoomID:         roomID,
		EventID:        id.EventID(res.Get("event_id").String()),
		Type:           res.Get("type").String(),
		Sender:         id.UserID(res.Get("sender").String()),
		OriginServerTS: res.Get("origin_server_ts").Int(),
		SendState:      SendStateSynced,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if evt.EventID == "" {
		return TimelineEvent{}, fmt.Errorf("event has no event_id")
	}
	if evt.Type == "" || evt.Sender == "" {
		return TimelineEvent{}, fmt.Errorf("event %s is missing type or sender", evt.EventID)
	}
	if sk := res.Get("state_key"); sk.Exists() {
		s := sk.String()
		evt.StateKey = &s
	}
	rel := res.Get(`content.m\.relates_to`)
	if rel.Exists() {
		evt.RelType = rel.Get("rel_type").String()
		evt.RelatesTo = id.EventID(rel.Get("event_id").String())
	}
	if evt.Type == event.EventRedaction.Type {
		evt.Redacts = id.EventID(res.Get("redacts").String())
		if evt.Redacts == "" {
			evt.Redacts = id.EventID(res.Get("content.redacts").String())
		}
	}
	return evt, nil
}

// ParseStateEvent converts a raw state event into a chunk state record.
func ParseStateEvent(roomID id.RoomID, raw json.RawMessage) (StateEvent, error) {
	evt, err := ParseEvent(roomID, raw)
	if err != nil {
		return StateEvent{}, err
	}
	if evt.StateKey == nil {
		return StateEvent{}, fmt.Errorf("event %s is not a state event", evt.EventID)
	}
	return StateEvent{
		EventID:  evt.EventID,
		RoomID:   roomID,
		Type:     evt.Type,
		StateKey: *evt.StateKey,
		Sender:   evt.Sender,
		Raw:      evt.Raw,
	}, nil
}

// IsRelation reports whether the event only exists to annotate another event.
func (e *TimelineEvent) IsRelation() bool {
	switch e.Type {
	case event.EventReaction.Type, event.EventRedaction.Type,
		EventPollResponse, EventUnstablePollResponse, EventPollEnd, EventUnstablePollEnd:
		return true
	}
	return e.RelType == string(event.RelReplace)
}

// IsPollStart reports whether the event starts a poll.
func (e *TimelineEvent) IsPollStart() bool {
	return e.Type == EventPollStart || e.Type == EventUnstablePollStart
}

// Content returns the content object of the raw event.
func (e *TimelineEvent) Content() gjson.Result {
	return gjson.GetBytes(e.Raw, "content")
}
