package rooms

import (
	"context"
	"errors"

	"github.com/chirino/room-timeline/internal/model"
	"maunium.net/go/mautrix/id"
)

var errOffline = errors.New("no homeserver configured")

// offlineFetcher serves stored history only.
type offlineFetcher struct{}

func (offlineFetcher) Fetch(context.Context, id.RoomID, string, model.Direction, int) (*model.TokenChunkResult, error) {
	return nil, &model.TransportError{Op: "messages", Err: errOffline}
}

func (offlineFetcher) FetchContext(_ context.Context, roomID id.RoomID, eventID id.EventID, _ int) (*model.TokenChunkResult, error) {
	return nil, &model.NotFoundError{RoomID: roomID, EventID: eventID}
}
