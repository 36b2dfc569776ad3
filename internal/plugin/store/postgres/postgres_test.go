package postgres_test

import (
	"context"
	"testing"

	"github.com/chirino/room-timeline/internal/plugin/store/postgres"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/testutil/storetest"
	"github.com/chirino/room-timeline/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	dsn := testpg.StartPostgres(t)

	storetest.Run(t, func(t *testing.T) registrystore.TimelineStore {
		ctx, cancel := context.WithCancel(context.Background())
		store, err := postgres.Open(ctx, dsn, 4, 2)
		require.NoError(t, err)
		db := store.DB()
		require.NoError(t, postgres.Migrate(ctx, db))
		require.NoError(t, db.Exec(`TRUNCATE timeline_events, timeline_state_events, timeline_chunks, timeline_sync_state`).Error)
		t.Cleanup(func() {
			cancel()
			_ = store.Close()
		})
		return store
	})
}
