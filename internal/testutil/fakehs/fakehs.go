// Package fakehs is an in-memory homeserver that serves scripted room history
// through the fetcher and syncer contracts. Pagination tokens are "t<position>",
// where position counts the events before the boundary; sync tokens are "s<n>".
package fakehs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	"maunium.net/go/mautrix/id"
)

const baseTS = int64(1_700_000_000_000)

type room struct {
	id     id.RoomID
	slug   string
	events []json.RawMessage
	ids    []id.EventID
	stream []int
}

// Server is a scripted homeserver.
type Server struct {
	mu      sync.Mutex
	user    id.UserID
	rooms   map[id.RoomID]*room
	streams int

	// SyncLimit caps the number of timeline events per room in a sync response.
	SyncLimit int

	failNext  error
	hold      chan struct{}
	calls     int
	lastLimit int
}

// New returns an empty server for the given logged in user.
func New(user id.UserID) *Server {
	return &Server{user: user, rooms: map[id.RoomID]*room{}, SyncLimit: 10}
}

func (s *Server) Account() id.UserID { return s.user }

// CreateRoom creates a room with its six initial state events, sent by creator.
func (s *Server) CreateRoom(roomID id.RoomID, creator id.UserID) {
	s.mu.Lock()
	slug := strings.TrimPrefix(strings.SplitN(string(roomID), ":", 2)[0], "!")
	s.rooms[roomID] = &room{id: roomID, slug: slug}
	s.mu.Unlock()

	s.SendState(roomID, creator, "m.room.create", "", map[string]any{"creator": creator, "room_version": "10"})
	s.Join(roomID, creator, "")
	s.SendState(roomID, creator, "m.room.power_levels", "", map[string]any{"users": map[string]int{string(creator): 100}})
	s.SendState(roomID, creator, "m.room.join_rules", "", map[string]any{"join_rule": "invite"})
	s.SendState(roomID, creator, "m.room.history_visibility", "", map[string]any{"history_visibility": "shared"})
	s.SendState(roomID, creator, "m.room.guest_access", "", map[string]any{"guest_access": "can_join"})
}

// Join adds a membership event for user.
func (s *Server) Join(roomID id.RoomID, user id.UserID, displayName string) id.EventID {
	content := map[string]any{"membership": "join"}
	if displayName != "" {
		content["displayname"] = displayName
	}
	return s.SendState(roomID, user, "m.room.member", string(user), content)
}

// SendMessage appends a text message.
func (s *Server) SendMessage(roomID id.RoomID, sender id.UserID, body string) id.EventID {
	return s.Send(roomID, sender, "m.room.message", map[string]any{"msgtype": "m.text", "body": body})
}

// SendMessages appends n numbered text messages and returns their ids.
func (s *Server) SendMessages(roomID id.RoomID, sender id.UserID, n int) []id.EventID {
	ids := make([]id.EventID, n)
	for i := range ids {
		ids[i] = s.SendMessage(roomID, sender, fmt.Sprintf("message %d", i+1))
	}
	return ids
}

// Send appends a message event with arbitrary content.
func (s *Server) Send(roomID id.RoomID, sender id.UserID, eventType string, content map[string]any) id.EventID {
	return s.append(roomID, sender, eventType, nil, content)
}

// SendState appends a state event.
func (s *Server) SendState(roomID id.RoomID, sender id.UserID, eventType, stateKey string, content map[string]any) id.EventID {
	return s.append(roomID, sender, eventType, &stateKey, content)
}

// EventID returns the id of the event at position pos.
func (s *Server) EventID(roomID id.RoomID, pos int) id.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].ids[pos]
}

// Len returns the number of events in the room.
func (s *Server) Len(roomID id.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[roomID].events)
}

// FailNext makes the next fetch fail with err.
func (s *Server) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Hold blocks every fetch until the returned release function is called or the
// request context is cancelled.
func (s *Server) Hold() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// FetchCalls returns the number of Fetch and FetchContext calls served.
func (s *Server) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastLimit returns the limit of the most recent fetch.
func (s *Server) LastLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLimit
}

func (s *Server) append(roomID id.RoomID, sender id.UserID, eventType string, stateKey *string, content map[string]any) id.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	pos := len(r.events)
	eventID := id.EventID(fmt.Sprintf("$%s_%d", r.slug, pos))
	evt := map[string]any{
		"event_id":         eventID,
		"room_id":          roomID,
		"type":             eventType,
		"sender":           sender,
		"origin_server_ts": baseTS + int64(s.streams)*1000,
		"content":          content,
	}
	if stateKey != nil {
		evt["state_key"] = *stateKey
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		panic(err)
	}
	r.events = append(r.events, raw)
	r.ids = append(r.ids, eventID)
	r.stream = append(r.stream, s.streams)
	s.streams++
	return eventID
}

func (s *Server) begin(ctx context.Context, limit int) error {
	s.mu.Lock()
	s.calls++
	s.lastLimit = limit
	hold := s.hold
	err := s.failNext
	s.failNext = nil
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func token(pos int) string { return "t" + strconv.Itoa(pos) }

// position resolves a pagination token, or a sync token, to an event position.
func (r *room) position(tok string) (int, error) {
	switch {
	case strings.HasPrefix(tok, "t"):
		return strconv.Atoi(tok[1:])
	case strings.HasPrefix(tok, "s"):
		n, err := strconv.Atoi(tok[1:])
		if err != nil {
			return 0, err
		}
		for i, st := range r.stream {
			if st >= n {
				return i, nil
			}
		}
		return len(r.events), nil
	}
	return 0, fmt.Errorf("invalid token %q", tok)
}

func (s *Server) Fetch(ctx context.Context, roomID id.RoomID, from string, dir model.Direction, limit int) (*model.TokenChunkResult, error) {
	if err := s.begin(ctx, limit); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, &model.TransportError{Op: "messages", Err: fmt.Errorf("unknown room %s", roomID)}
	}
	pos, err := r.position(from)
	if err != nil {
		return nil, &model.TransportError{Op: "messages", Err: err}
	}
	pos = min(pos, len(r.events))
	res := &model.TokenChunkResult{Start: from}
	if dir == model.Backwards {
		lo := max(0, pos-limit)
		for i := pos - 1; i >= lo; i-- {
			res.Events = append(res.Events, r.events[i])
		}
		if lo > 0 {
			res.End = token(lo)
		}
		res.StateEvents = r.memberState(lo)
		return res, nil
	}
	hi := min(len(r.events), pos+limit)
	for i := pos; i < hi; i++ {
		res.Events = append(res.Events, r.events[i])
	}
	if hi > pos {
		res.End = token(hi)
	}
	res.StateEvents = r.memberState(pos)
	return res, nil
}

func (s *Server) FetchContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*model.TokenChunkResult, error) {
	if err := s.begin(ctx, limit); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, &model.NotFoundError{RoomID: roomID, EventID: eventID}
	}
	idx := -1
	for i, evID := range r.ids {
		if evID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &model.NotFoundError{RoomID: roomID, EventID: eventID}
	}
	half := limit / 2
	lo := max(0, idx-half)
	hi := min(len(r.events), idx+1+half)
	res := &model.TokenChunkResult{End: token(hi)}
	if lo > 0 {
		res.Start = token(lo)
	}
	res.Events = append(res.Events, r.events[lo:hi]...)
	res.StateEvents = r.memberState(lo)
	return res, nil
}

func (s *Server) Sync(ctx context.Context, since string, _ time.Duration) (*model.SyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from := 0
	if since != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(since, "s"))
		if err != nil {
			return nil, &model.TransportError{Op: "sync", Err: err}
		}
		from = n
	}
	resp := &model.SyncResponse{NextBatch: "s" + strconv.Itoa(s.streams), Rooms: map[id.RoomID]model.RoomSync{}}
	for roomID, r := range s.rooms {
		first := len(r.events)
		for i, st := range r.stream {
			if st >= from {
				first = i
				break
			}
		}
		if first == len(r.events) {
			continue
		}
		rs := model.RoomSync{}
		if n := len(r.events) - first; n > s.SyncLimit {
			first = len(r.events) - s.SyncLimit
			rs.Timeline.Limited = true
		}
		rs.Timeline.PrevBatch = token(first)
		rs.Timeline.Events = append(rs.Timeline.Events, r.events[first:]...)
		rs.State = r.memberState(first)
		resp.Rooms[roomID] = rs
	}
	return resp, nil
}

// memberState returns the membership events that precede pos.
func (r *room) memberState(pos int) []json.RawMessage {
	var state []json.RawMessage
	for i := 0; i < pos && i < len(r.events); i++ {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r.events[i], &head); err == nil && head.Type == "m.room.member" {
			state = append(state, r.events[i])
		}
	}
	return state
}

var _ homeserver.Client = (*Server)(nil)
