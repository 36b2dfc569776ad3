package migrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator applies schema changes to the database at dsn.
type Migrator func(ctx context.Context, dsn string) error

// Plugin is a migration step of one datastore kind. Steps of the same datastore
// run in ascending Order.
type Plugin struct {
	Name      string
	Datastore string
	Order     int
	Migrate   Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// For returns the steps registered for datastore in execution order.
func For(datastore string) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Datastore == datastore {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}

// Run executes every step registered for datastore against dsn.
func Run(ctx context.Context, datastore, dsn string) error {
	steps := For(datastore)
	if len(steps) == 0 {
		return fmt.Errorf("no migrations registered for datastore %q", datastore)
	}
	start := time.Now()
	for _, p := range steps {
		log.Info("Running migration", "name", p.Name, "datastore", datastore)
		if err := p.Migrate(ctx, dsn); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Name, err)
		}
	}
	log.Info("Migrations: completed", "datastore", datastore, "steps", len(steps), "elapsed", time.Since(start))
	return nil
}
