package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedDBURL_DefaultsToSQLiteFile(t *testing.T) {
	cfg := DefaultConfig()
	require.Contains(t, cfg.ResolvedDBURL(), "room-timeline.db")
}

func TestResolvedDBURL_UsesConfiguredValue(t *testing.T) {
	cfg := Config{DatastoreType: "postgres", DBURL: " postgres://localhost/timeline "}
	require.Equal(t, "postgres://localhost/timeline", cfg.ResolvedDBURL())
}

func TestResolvedDBURL_EmptyForPostgresWithoutURL(t *testing.T) {
	cfg := Config{DatastoreType: "postgres"}
	require.Empty(t, cfg.ResolvedDBURL())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HomeserverURL = "https://matrix.example.org"
	require.NoError(t, cfg.Validate())

	cfg.PageSize = 0
	require.ErrorContains(t, cfg.Validate(), "page size")

	cfg = DefaultConfig()
	require.ErrorContains(t, cfg.Validate(), "--homeserver-url")

	cfg.SyncEnabled = false
	cfg.DatastoreType = "postgres"
	require.ErrorContains(t, cfg.Validate(), "--db-url")
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(t.Context(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(t.Context()))
}
