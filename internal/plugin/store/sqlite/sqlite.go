// Package sqlite is the default embedded chunk store backend.
package sqlite

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/room-timeline/internal/registry/migrate"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.TimelineStore, error) {
			cfg := config.FromContext(ctx)
			store, err := Open(ctx, cfg.ResolvedDBURL())
			if err != nil {
				return nil, fmt.Errorf("failed to open sqlite: %w", err)
			}
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{
		Name:      "sqlite-schema",
		Datastore: "sqlite",
		Order:     100,
		Migrate:   migrateDSN,
	})
}

// Open opens a sqlite database. SQLite allows a single writer, so the pool is
// limited to one connection.
func Open(ctx context.Context, dsn string) (*gormstore.Store, error) {
	return gormstore.Open(ctx, sqlite.Open(dsn), gormstore.Options{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		Retryable:    isBusyError,
	})
}

//go:embed db/schema.sql
var schemaSQL string

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	return nil
}

// migrateDSN applies the schema over a short-lived connection.
func migrateDSN(ctx context.Context, dsn string) error {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return Migrate(ctx, db)
}

func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy")
}
