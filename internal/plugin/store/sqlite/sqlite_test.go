package sqlite_test

import (
	"testing"

	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/chirino/room-timeline/internal/testutil/storetest"
	"github.com/chirino/room-timeline/internal/testutil/testdb"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) registrystore.TimelineStore {
		return testdb.SQLite(t)
	})
}

func TestSQLiteStore_ExactlyOneLiveChunkIndex(t *testing.T) {
	store := testdb.SQLite(t)
	err := store.DB().Exec(`INSERT INTO timeline_chunks (id, room_id, is_last_forward, created_at, updated_at)
		VALUES ('a', '!r:x', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP), ('b', '!r:x', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`).Error
	require.Error(t, err)
}

func TestSQLiteStore_IsRegistered(t *testing.T) {
	_, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	_, err = registrystore.Select("mongo")
	require.ErrorContains(t, err, "unknown store")
}
