// Package testdb opens migrated stores for tests.
package testdb

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/chirino/room-timeline/internal/plugin/store/gormstore"
	"github.com/chirino/room-timeline/internal/plugin/store/sqlite"
)

// SQLite returns a store backed by a fresh sqlite file in a temp directory.
// The store is closed when the test ends.
func SQLite(tb testing.TB) *gormstore.Store {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on",
		filepath.Join(tb.TempDir(), "timeline.db"))
	store, err := sqlite.Open(ctx, dsn)
	if err != nil {
		cancel()
		tb.Fatalf("open sqlite store: %v", err)
	}
	if err := sqlite.Migrate(ctx, store.DB()); err != nil {
		cancel()
		tb.Fatalf("migrate sqlite store: %v", err)
	}
	tb.Cleanup(func() {
		cancel()
		if err := store.Close(); err != nil {
			tb.Errorf("close sqlite store: %v", err)
		}
	})
	return store
}
