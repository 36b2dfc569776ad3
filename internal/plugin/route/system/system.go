// Package system serves the liveness, readiness and metrics endpoints.
package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/room-timeline/internal/registry/route"
)

var ready atomic.Bool

// MarkReady flips /ready to 200 once the store is migrated and the background
// services are running.
func MarkReady() {
	ready.Store(true)
}

// MarkNotReady flips /ready back to 503, e.g. while draining on shutdown.
func MarkNotReady() {
	ready.Store(false)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name: "system",
		Type: registryroute.RouteTypeManagement,
		Loader: func(r gin.IRouter, svc *registryroute.Services) error {
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})
			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				body := gin.H{"status": "ready"}
				if svc != nil && svc.Store != nil {
					rooms, err := svc.Store.ListRooms(c.Request.Context())
					if err != nil {
						c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unavailable", "error": err.Error()})
						return
					}
					body["rooms"] = len(rooms)
				}
				c.JSON(http.StatusOK, body)
			})
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}
