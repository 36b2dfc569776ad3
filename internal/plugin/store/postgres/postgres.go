package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/chirino/room-timeline/internal/config"
	"github.com/chirino/room-timeline/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/room-timeline/internal/registry/migrate"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.TimelineStore, error) {
			cfg := config.FromContext(ctx)
			store, err := Open(ctx, cfg.ResolvedDBURL(), cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{
		Name:      "postgres-schema",
		Datastore: "postgres",
		Order:     100,
		Migrate:   migrateDSN,
	})
}

// Open connects to postgres with the given pool limits.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*gormstore.Store, error) {
	return gormstore.Open(ctx, postgres.Open(dsn), gormstore.Options{
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxIdle,
		Retryable:    isRetryable,
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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
