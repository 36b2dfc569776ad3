// Package throttle limits the request rate towards a homeserver and collapses
// identical concurrent fetches into one request.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"
)

// Wrap returns a client that waits for a rate token before every Fetch and
// FetchContext. A non-positive rps disables the limit but still deduplicates.
// Sync requests are never limited.
func Wrap(inner homeserver.Client, rps float64, burst int) homeserver.Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &client{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

type client struct {
	inner   homeserver.Client
	limiter *rate.Limiter
	group   singleflight.Group
}

func (c *client) Account() id.UserID { return c.inner.Account() }

func (c *client) Sync(ctx context.Context, since string, timeout time.Duration) (*model.SyncResponse, error) {
	return c.inner.Sync(ctx, since, timeout)
}

// Fetch shares the result of an identical in-flight request. Callers must not
// modify the returned result.
func (c *client) Fetch(ctx context.Context, roomID id.RoomID, from string, dir model.Direction, limit int) (*model.TokenChunkResult, error) {
	key := fmt.Sprintf("messages|%s|%s|%d|%d", roomID, from, dir, limit)
	return c.do(ctx, key, func() (*model.TokenChunkResult, error) {
		return c.inner.Fetch(ctx, roomID, from, dir, limit)
	})
}

func (c *client) FetchContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*model.TokenChunkResult, error) {
	key := fmt.Sprintf("context|%s|%s|%d", roomID, eventID, limit)
	return c.do(ctx, key, func() (*model.TokenChunkResult, error) {
		return c.inner.FetchContext(ctx, roomID, eventID, limit)
	})
}

func (c *client) do(ctx context.Context, key string, fn func() (*model.TokenChunkResult, error)) (*model.TokenChunkResult, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.TokenChunkResult), nil
	}
}

var _ homeserver.Client = (*client)(nil)
