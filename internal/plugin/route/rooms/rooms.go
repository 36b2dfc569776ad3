// Package rooms exposes the stored chunk graph and timeline cursors over HTTP.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/model"
	registryroute "github.com/chirino/room-timeline/internal/registry/route"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/timeline"
	"github.com/gin-gonic/gin"
	"maunium.net/go/mautrix/id"
)

const maxPagination = 500

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "rooms",
		Order: 100,
		Loader: func(r gin.IRouter, svc *registryroute.Services) error {
			MountRoutes(r, svc)
			return nil
		},
	})
}

// MountRoutes mounts the room routes under /v1.
func MountRoutes(r gin.IRouter, svc *registryroute.Services) {
	g := r.Group("/v1")

	g.GET("/rooms", func(c *gin.Context) {
		listRooms(c, svc)
	})
	g.GET("/rooms/:roomId/chunks", func(c *gin.Context) {
		listChunks(c, svc)
	})
	g.GET("/rooms/:roomId/timeline", func(c *gin.Context) {
		getTimeline(c, svc)
	})
	g.GET("/rooms/:roomId/events/:eventId/annotations", func(c *gin.Context) {
		getAnnotations(c, svc)
	})
	g.DELETE("/rooms/:roomId", func(c *gin.Context) {
		clearRoom(c, svc)
	})
}

func listRooms(c *gin.Context, svc *registryroute.Services) {
	rooms, err := svc.Store.ListRooms(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rooms})
}

func listChunks(c *gin.Context, svc *registryroute.Services) {
	chunks, err := svc.Store.ListChunks(c.Request.Context(), id.RoomID(c.Param("roomId")))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chunks})
}

type timelineResponse struct {
	Events    []model.DecoratedEvent `json:"events"`
	Backwards model.PaginationState  `json:"backwards"`
	Forwards  model.PaginationState  `json:"forwards"`
}

// getTimeline opens a cursor on the focus event (or the live end), applies the
// requested paginations and returns the resulting window.
func getTimeline(c *gin.Context, svc *registryroute.Services) {
	backward, err := queryCount(c, "backward")
	if err != nil {
		handleError(c, err)
		return
	}
	forward, err := queryCount(c, "forward")
	if err != nil {
		handleError(c, err)
		return
	}

	fetcher := svc.Fetcher
	if fetcher == nil {
		fetcher = offlineFetcher{}
	}
	tl := timeline.New(id.RoomID(c.Param("roomId")), timeline.Deps{
		Store:      svc.Store,
		Fetcher:    fetcher,
		Persistor:  svc.Persistor,
		Aggregator: svc.Aggregator,
	}, svc.Settings)
	defer tl.Dispose()

	ctx := c.Request.Context()
	if err := tl.Start(ctx, id.EventID(c.Query("eventId"))); err != nil {
		handleError(c, err)
		return
	}
	if backward > 0 {
		if _, err := tl.AwaitPaginate(ctx, model.Backwards, backward); err != nil {
			handleError(c, err)
			return
		}
	}
	if forward > 0 {
		if _, err := tl.AwaitPaginate(ctx, model.Forwards, forward); err != nil {
			handleError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, timelineResponse{
		Events:    tl.Snapshot(),
		Backwards: tl.PaginationState(model.Backwards),
		Forwards:  tl.PaginationState(model.Forwards),
	})
}

func getAnnotations(c *gin.Context, svc *registryroute.Services) {
	roomID, eventID := id.RoomID(c.Param("roomId")), id.EventID(c.Param("eventId"))
	summary, err := svc.Aggregator.Summary(c.Request.Context(), roomID, eventID)
	if err != nil {
		handleError(c, err)
		return
	}
	if summary == nil {
		summary = &model.EventAnnotationsSummary{EventID: eventID}
	}
	c.JSON(http.StatusOK, summary)
}

func clearRoom(c *gin.Context, svc *registryroute.Services) {
	ctx := c.Request.Context()
	roomID := id.RoomID(c.Param("roomId"))
	eventIDs, err := roomEventIDs(ctx, svc.Store, roomID)
	if err != nil {
		handleError(c, err)
		return
	}
	if err := svc.Store.ClearRoom(ctx, roomID); err != nil {
		handleError(c, err)
		return
	}
	// Summaries are cached per target event; drop those of every event that was stored.
	if svc.Aggregator != nil {
		svc.Aggregator.Invalidate(ctx, roomID, eventIDs)
	}
	log.Info("Cleared room", "room", roomID)
	if svc.Persistor != nil {
		svc.Persistor.Broadcaster().Publish(roomID)
	}
	c.Status(http.StatusNoContent)
}

func roomEventIDs(ctx context.Context, store registrystore.TimelineStore, roomID id.RoomID) ([]id.EventID, error) {
	chunks, err := store.ListChunks(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var ids []id.EventID
	for _, chunk := range chunks {
		events, err := store.ChunkEvents(ctx, chunk.ID)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			ids = append(ids, evt.EventID)
		}
	}
	return ids, nil
}

func queryCount(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 || n > maxPagination {
		return 0, &registrystore.ValidationError{Field: key, Message: fmt.Sprintf("must be an integer between 0 and %d", maxPagination)}
	}
	return n, nil
}

func handleError(c *gin.Context, err error) {
	var eventNotFound *model.NotFoundError
	var validation *registrystore.ValidationError
	var transport *model.TransportError

	switch {
	case registrystore.IsNotFound(err), errors.As(err, &eventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &transport):
		c.JSON(http.StatusBadGateway, gin.H{"code": "homeserver_unavailable", "error": err.Error()})
	case errors.Is(err, model.ErrPaginationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("Request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
