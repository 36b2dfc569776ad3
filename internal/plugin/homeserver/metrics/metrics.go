package metrics

import (
	"context"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	"github.com/chirino/room-timeline/internal/telemetry"
	"maunium.net/go/mautrix/id"
)

// Wrap returns a client that records FetchLatency and FetchFailuresTotal.
func Wrap(inner homeserver.Client) homeserver.Client {
	return &metricsClient{inner: inner}
}

type metricsClient struct {
	inner homeserver.Client
}

func observe(op string, start time.Time, err error) {
	if telemetry.FetchLatency != nil {
		telemetry.FetchLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil && telemetry.FetchFailuresTotal != nil {
		telemetry.FetchFailuresTotal.WithLabelValues(op).Inc()
	}
}

func (m *metricsClient) Account() id.UserID { return m.inner.Account() }

func (m *metricsClient) Fetch(ctx context.Context, roomID id.RoomID, from string, dir model.Direction, limit int) (res *model.TokenChunkResult, err error) {
	defer func(start time.Time) { observe("messages", start, err) }(time.Now())
	return m.inner.Fetch(ctx, roomID, from, dir, limit)
}

func (m *metricsClient) FetchContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (res *model.TokenChunkResult, err error) {
	defer func(start time.Time) { observe("context", start, err) }(time.Now())
	return m.inner.FetchContext(ctx, roomID, eventID, limit)
}

func (m *metricsClient) Sync(ctx context.Context, since string, timeout time.Duration) (res *model.SyncResponse, err error) {
	defer func(start time.Time) { observe("sync", start, err) }(time.Now())
	return m.inner.Sync(ctx, since, timeout)
}

var _ homeserver.Client = (*metricsClient)(nil)
