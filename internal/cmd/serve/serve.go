package serve

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/config"
	registrycache "github.com/chirino/room-timeline/internal/registry/cache"
	registryhomeserver "github.com/chirino/room-timeline/internal/registry/homeserver"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/telemetry"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/room-timeline/internal/plugin/cache/infinispan"
	_ "github.com/chirino/room-timeline/internal/plugin/cache/memory"
	_ "github.com/chirino/room-timeline/internal/plugin/cache/noop"
	_ "github.com/chirino/room-timeline/internal/plugin/cache/redis"
	_ "github.com/chirino/room-timeline/internal/plugin/homeserver/matrix"
	_ "github.com/chirino/room-timeline/internal/plugin/route/rooms"
	_ "github.com/chirino/room-timeline/internal/plugin/route/system"
	_ "github.com/chirino/room-timeline/internal/plugin/store/postgres"
	_ "github.com/chirino/room-timeline/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Sync rooms from the homeserver and serve their timelines over HTTP",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := telemetry.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; enables HTTPS together with --tls-key-file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_READ_HEADER_TIMEOUT"),
			Destination: &cfg.Listener.ReadHeaderTimeout,
			Value:       cfg.Listener.ReadHeaderTimeout,
			Usage:       "HTTP read header timeout",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Time allowed for in-flight requests on shutdown",
		},
		&cli.BoolFlag{
			Name:        "access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_ACCESS_LOG"),
			Destination: &cfg.AccessLog,
			Usage:       "Also log requests to /health, /ready and /metrics",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins (default *)",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL; defaults to a local file for sqlite",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Annotation cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Lifetime of cached annotation summaries",
		},
		&cli.Int64Flag{
			Name:        "cache-max-entries",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_CACHE_MAX_ENTRIES"),
			Destination: &cfg.CacheMaxEntries,
			Value:       cfg.CacheMaxEntries,
			Usage:       "Maximum summaries held by the memory cache",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP host:port (e.g. localhost:11222)",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},

		// ── Homeserver ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "homeserver-kind",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_HOMESERVER_KIND"),
			Destination: &cfg.HomeserverType,
			Value:       cfg.HomeserverType,
			Usage:       "Homeserver client (" + strings.Join(registryhomeserver.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "homeserver-url",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_HOMESERVER_URL"),
			Destination: &cfg.HomeserverURL,
			Usage:       "Homeserver base URL (e.g. https://matrix.example.org)",
		},
		&cli.StringFlag{
			Name:        "user-id",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_USER_ID"),
			Destination: &cfg.UserID,
			Usage:       "Matrix user id of the account",
		},
		&cli.StringFlag{
			Name:        "access-token",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_ACCESS_TOKEN"),
			Destination: &cfg.AccessToken,
			Usage:       "Access token of the account",
		},
		&cli.FloatFlag{
			Name:        "fetch-rate-limit",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_FETCH_RATE_LIMIT"),
			Destination: &cfg.FetchRateLimit,
			Value:       cfg.FetchRateLimit,
			Usage:       "Pagination requests per second (0 = unlimited)",
		},
		&cli.IntFlag{
			Name:        "fetch-burst",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_FETCH_BURST"),
			Destination: &cfg.FetchBurst,
			Value:       cfg.FetchBurst,
			Usage:       "Pagination request burst",
		},
		&cli.BoolFlag{
			Name:        "sync",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_SYNC"),
			Destination: &cfg.SyncEnabled,
			Value:       cfg.SyncEnabled,
			Usage:       "Run the sync loop",
		},
		&cli.DurationFlag{
			Name:        "sync-timeout",
			Category:    "Homeserver:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_SYNC_TIMEOUT"),
			Destination: &cfg.SyncTimeout,
			Value:       cfg.SyncTimeout,
			Usage:       "Long-poll timeout of sync requests",
		},

		// ── Timeline ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "page-size",
			Category:    "Timeline:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_PAGE_SIZE"),
			Destination: &cfg.PageSize,
			Value:       cfg.PageSize,
			Usage:       "Events fetched around a focus event and shown initially",
		},
		&cli.BoolFlag{
			Name:        "show-relation-events",
			Category:    "Timeline:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_SHOW_RELATION_EVENTS"),
			Destination: &cfg.ShowRelationEvents,
			Usage:       "Include reactions, edits, redactions and poll responses in timelines",
		},

		// ── Eviction ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "eviction-retention",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_EVICTION_RETENTION"),
			Destination: &cfg.EvictionRetention,
			Value:       cfg.EvictionRetention,
			Usage:       "Delete non-live chunks untouched for this long (0 disables eviction)",
		},
		&cli.DurationFlag{
			Name:        "eviction-interval",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_EVICTION_INTERVAL"),
			Destination: &cfg.EvictionInterval,
			Value:       cfg.EvictionInterval,
			Usage:       "How often eviction runs",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-size",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_EVICTION_BATCH_SIZE"),
			Destination: &cfg.EvictionBatchSize,
			Value:       cfg.EvictionBatchSize,
			Usage:       "Chunks deleted per batch",
		},
		&cli.DurationFlag{
			Name:        "eviction-batch-delay",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_EVICTION_BATCH_DELAY"),
			Destination: &cfg.EvictionBatchDelay,
			Value:       cfg.EvictionBatchDelay,
			Usage:       "Pause between eviction batches",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("ROOM_TIMELINE_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
