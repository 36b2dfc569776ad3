package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/annotations"
	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/plugin/cache/noop"
	hsmetrics "github.com/chirino/room-timeline/internal/plugin/homeserver/metrics"
	"github.com/chirino/room-timeline/internal/plugin/homeserver/throttle"
	routesystem "github.com/chirino/room-timeline/internal/plugin/route/system"
	storemetrics "github.com/chirino/room-timeline/internal/plugin/store/metrics"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	registryhomeserver "github.com/chirino/room-timeline/internal/registry/homeserver"
	registrymigrate "github.com/chirino/room-timeline/internal/registry/migrate"
	registryroute "github.com/chirino/room-timeline/internal/registry/route"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/service"
	"github.com/chirino/room-timeline/internal/telemetry"
	"github.com/chirino/room-timeline/internal/timeline"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config    *config.Config
	Store     registrystore.TimelineStore
	Persistor *gapfill.Persistor
	Router    *gin.Engine
	Port      int

	httpServer *http.Server
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// Shutdown stops accepting requests, waits for in-flight ones, then stops the
// background services and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	if werr := s.group.Wait(); werr != nil && !errors.Is(werr, http.ErrServerClosed) && err == nil {
		err = werr
	}
	if cerr := s.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// StartServer initializes all subsystems and starts serving HTTP.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting room timeline service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"homeserver", cfg.HomeserverURL,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := telemetry.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	telemetry.InitMetrics(metricsLabels)

	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.Run(ctx, cfg.DatastoreType, cfg.ResolvedDBURL()); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	cache := loadCache(ctx, cfg)

	var client registryhomeserver.Client
	if cfg.HomeserverURL != "" {
		hsLoader, err := registryhomeserver.Select(cfg.HomeserverType)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		inner, err := hsLoader(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize homeserver client: %w", err)
		}
		client = hsmetrics.Wrap(throttle.Wrap(inner, cfg.FetchRateLimit, cfg.FetchBurst))
	}

	aggregator := annotations.New(store, cache, id.UserID(cfg.UserID), cfg.CacheTTL)
	persistor := gapfill.New(store, nil, aggregator)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLog {
		router.Use(telemetry.AccessLogMiddleware())
	} else {
		router.Use(telemetry.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(telemetry.MetricsMiddleware())
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	svc := &registryroute.Services{
		Store:      store,
		Persistor:  persistor,
		Aggregator: aggregator,
		Settings:   timeline.Settings{PageSize: cfg.PageSize, ShowRelationEvents: cfg.ShowRelationEvents},
	}
	if client != nil {
		svc.Fetcher = client
	}
	for _, typ := range []registryroute.RouteType{registryroute.RouteTypeMain, registryroute.RouteTypeManagement} {
		if err := registryroute.Mount(router, typ, svc); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	log.Debug("Routes mounted", "main", registryroute.Names(registryroute.RouteTypeMain),
		"management", registryroute.Names(registryroute.RouteTypeManagement))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}

	svcCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(svcCtx)
	group.Go(func() error {
		var err error
		if cfg.Listener.TLSCertFile != "" && cfg.Listener.TLSKeyFile != "" {
			err = httpServer.ServeTLS(lis, cfg.Listener.TLSCertFile, cfg.Listener.TLSKeyFile)
		} else {
			err = httpServer.Serve(lis)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
			return err
		}
		return nil
	})
	if cfg.SyncEnabled && client != nil {
		syncSvc := service.NewSyncService(store, client, persistor, string(client.Account()), cfg.SyncTimeout)
		group.Go(func() error {
			syncSvc.Start(groupCtx)
			return nil
		})
	}
	if cfg.EvictionRetention > 0 {
		evictionSvc := service.NewEvictionService(store, cfg.EvictionInterval, cfg.EvictionRetention, cfg.EvictionBatchSize, cfg.EvictionBatchDelay)
		group.Go(func() error {
			evictionSvc.Start(groupCtx)
			return nil
		})
	}

	port := lis.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port, "tls", cfg.Listener.TLSCertFile != "")

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Persistor:  persistor,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
		cancel:     cancel,
		group:      group,
	}, nil
}

// loadCache selects the configured annotation cache, falling back to none.
func loadCache(ctx context.Context, cfg *config.Config) registrycache.SummaryCache {
	loader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
		return noop.New()
	}
	cache, err := loader(ctx)
	if err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		return noop.New()
	}
	return cache
}
