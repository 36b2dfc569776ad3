package route

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/chirino/room-timeline/internal/annotations"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/timeline"
	"github.com/gin-gonic/gin"
)

// Services are the runtime collaborators handed to every route plugin. Fetcher
// is nil when no homeserver is configured.
type Services struct {
	Store      registrystore.TimelineStore
	Fetcher    homeserver.Fetcher
	Persistor  *gapfill.Persistor
	Aggregator *annotations.Aggregator
	Settings   timeline.Settings
}

// RouterLoader mounts the routes of one plugin.
type RouterLoader func(r gin.IRouter, svc *Services) error

// RouteType groups plugins by the surface they serve.
type RouteType int

const (
	// RouteTypeMain carries the room API.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement carries health, readiness and metrics endpoints.
	RouteTypeManagement
)

// Plugin is a route plugin. Plugins of the same type mount in ascending Order.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the names of the registered plugins of the given type in mount order.
func Names(typ RouteType) []string {
	var names []string
	for _, p := range ofType(typ) {
		names = append(names, p.Name)
	}
	return names
}

// Mount runs the loaders of every plugin of the given type.
func Mount(r gin.IRouter, typ RouteType, svc *Services) error {
	for _, p := range ofType(typ) {
		if err := p.Loader(r, svc); err != nil {
			return fmt.Errorf("route plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

func ofType(typ RouteType) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}
