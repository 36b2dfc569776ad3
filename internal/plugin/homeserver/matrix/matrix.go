// Package matrix fetches room history from a Matrix homeserver over the
// client-server API.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

func init() {
	homeserver.Register(homeserver.Plugin{
		Name: "matrix",
		Loader: func(ctx context.Context) (homeserver.Client, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				return nil, fmt.Errorf("matrix homeserver: missing config")
			}
			return New(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
		},
	})
}

// Client wraps a mautrix client. Events are kept as the raw JSON the server
// returned so they can be stored unchanged.
type Client struct {
	cli *mautrix.Client
}

// New creates a client for the homeserver at baseURL.
func New(baseURL string, userID id.UserID, accessToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("matrix homeserver: ROOM_TIMELINE_HOMESERVER_URL is required")
	}
	cli, err := mautrix.NewClient(baseURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix homeserver: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Account() id.UserID { return c.cli.UserID }

type messagesResponse struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
	State []json.RawMessage `json:"state"`
}

type contextResponse struct {
	Start        string            `json:"start"`
	End          string            `json:"end"`
	Event        json.RawMessage   `json:"event"`
	EventsBefore []json.RawMessage `json:"events_before"`
	EventsAfter  []json.RawMessage `json:"events_after"`
	State        []json.RawMessage `json:"state"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[id.RoomID]struct {
			State struct {
				Events []json.RawMessage `json:"events"`
			} `json:"state"`
			Timeline struct {
				Events    []json.RawMessage `json:"events"`
				Limited   bool              `json:"limited"`
				PrevBatch string            `json:"prev_batch"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// Fetch calls /rooms/{roomId}/messages.
func (c *Client) Fetch(ctx context.Context, roomID id.RoomID, from string, dir model.Direction, limit int) (*model.TokenChunkResult, error) {
	query := map[string]string{
		"from":  from,
		"dir":   "b",
		"limit": strconv.Itoa(limit),
	}
	if dir == model.Forwards {
		query["dir"] = "f"
	}
	url := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "rooms", roomID, "messages"}, query)
	var resp messagesResponse
	if _, err := c.cli.MakeRequest(ctx, "GET", url, nil, &resp); err != nil {
		return nil, &model.TransportError{Op: "messages", Err: err}
	}
	start := resp.Start
	if start == "" {
		start = from
	}
	return &model.TokenChunkResult{
		Start:       start,
		End:         resp.End,
		Events:      resp.Chunk,
		StateEvents: resp.State,
	}, nil
}

// FetchContext calls /rooms/{roomId}/context/{eventId}. The server returns the
// events before the target newest first; they are flipped to keep the result
// chronological.
func (c *Client) FetchContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*model.TokenChunkResult, error) {
	url := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "rooms", roomID, "context", eventID},
		map[string]string{"limit": strconv.Itoa(limit)})
	var resp contextResponse
	if _, err := c.cli.MakeRequest(ctx, "GET", url, nil, &resp); err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return nil, &model.NotFoundError{RoomID: roomID, EventID: eventID}
		}
		return nil, &model.TransportError{Op: "context", Err: err}
	}
	if len(resp.Event) == 0 {
		return nil, &model.NotFoundError{RoomID: roomID, EventID: eventID}
	}
	events := make([]json.RawMessage, 0, len(resp.EventsBefore)+1+len(resp.EventsAfter))
	before := slices.Clone(resp.EventsBefore)
	slices.Reverse(before)
	events = append(events, before...)
	events = append(events, resp.Event)
	events = append(events, resp.EventsAfter...)
	return &model.TokenChunkResult{
		Start:       resp.Start,
		End:         resp.End,
		Events:      events,
		StateEvents: resp.State,
	}, nil
}

// Sync performs one long-poll sync request.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*model.SyncResponse, error) {
	query := map[string]string{"timeout": strconv.FormatInt(timeout.Milliseconds(), 10)}
	if since != "" {
		query["since"] = since
	}
	url := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "sync"}, query)
	var resp syncResponse
	if _, err := c.cli.MakeRequest(ctx, "GET", url, nil, &resp); err != nil {
		return nil, &model.TransportError{Op: "sync", Err: err}
	}
	out := &model.SyncResponse{NextBatch: resp.NextBatch, Rooms: make(map[id.RoomID]model.RoomSync, len(resp.Rooms.Join))}
	for roomID, joined := range resp.Rooms.Join {
		out.Rooms[roomID] = model.RoomSync{
			Timeline: model.SyncTimeline{
				Events:    joined.Timeline.Events,
				Limited:   joined.Timeline.Limited,
				PrevBatch: joined.Timeline.PrevBatch,
			},
			State: joined.State.Events,
		}
	}
	return out, nil
}

var _ homeserver.Client = (*Client)(nil)
