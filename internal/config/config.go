package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the timeline service.
type Config struct {
	// Datastore backend type: "sqlite" or "postgres".
	DatastoreType string

	// Database DSN. Defaults to a local sqlite file for the sqlite backend.
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type: "none", "memory", "redis" or "infinispan".
	CacheType string

	// Redis
	RedisURL string

	// Infinispan (RESP protocol, connects via go-redis under the covers)
	InfinispanHost           string // host:port (e.g. "localhost:11222")
	InfinispanUsername       string
	InfinispanPassword       string
	InfinispanStartupTimeout time.Duration

	// TTL of cached annotation summaries.
	CacheTTL time.Duration
	// Maximum number of summaries held by the in-process cache.
	CacheMaxEntries int64

	// Homeserver
	HomeserverType string
	HomeserverURL  string
	UserID         string
	AccessToken    string
	// Requests per second allowed towards the homeserver; 0 disables throttling.
	FetchRateLimit float64
	FetchBurst     int

	// Sync loop
	SyncEnabled bool
	SyncTimeout time.Duration

	// Timeline cursor defaults
	PageSize           int
	ShowRelationEvents bool

	// Eviction of stale non-live chunks
	EvictionRetention  time.Duration
	EvictionInterval   time.Duration
	EvictionBatchSize  int
	EvictionBatchDelay time.Duration

	// HTTP
	Listener     ListenerConfig
	DrainTimeout time.Duration
	AccessLog    bool
	CORSEnabled  bool
	CORSOrigins  string

	// Monitoring
	MetricsLabels string

	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:            "sqlite",
		DatastoreMigrateAtStart:  true,
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           5,
		CacheType:                "memory",
		InfinispanStartupTimeout: 30 * time.Second,
		CacheTTL:                 10 * time.Minute,
		CacheMaxEntries:          10000,
		HomeserverType:           "matrix",
		FetchRateLimit:           5,
		FetchBurst:               10,
		SyncEnabled:              true,
		SyncTimeout:              30 * time.Second,
		PageSize:                 30,
		EvictionRetention:        30 * 24 * time.Hour,
		EvictionInterval:         time.Hour,
		EvictionBatchSize:        100,
		EvictionBatchDelay:       100 * time.Millisecond,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout:  30 * time.Second,
		MetricsLabels: "service=room-timeline",
		LogLevel:      "info",
	}
}

// ResolvedDBURL returns the configured DSN or the default for the datastore type.
func (c *Config) ResolvedDBURL() string {
	if url := strings.TrimSpace(c.DBURL); url != "" {
		return url
	}
	if c.DatastoreType == "sqlite" {
		return "file:room-timeline.db?_busy_timeout=5000&_journal_mode=WAL"
	}
	return ""
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if err := c.ValidateDatastore(); err != nil {
		return err
	}
	if c.SyncEnabled && c.HomeserverURL == "" {
		return fmt.Errorf("--homeserver-url is required when sync is enabled")
	}
	return nil
}

// ValidateDatastore checks that the datastore can be reached without a default.
func (c *Config) ValidateDatastore() error {
	if c.DatastoreType != "sqlite" && c.ResolvedDBURL() == "" {
		return fmt.Errorf("--db-url is required for the %s datastore", c.DatastoreType)
	}
	return nil
}
