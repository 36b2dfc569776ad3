package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/config"
	registrymigrate "github.com/chirino/room-timeline/internal/registry/migrate"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/urfave/cli/v3"

	_ "github.com/chirino/room-timeline/internal/plugin/store/postgres"
	_ "github.com/chirino/room-timeline/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the chunk store schema and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("ROOM_TIMELINE_DB_URL"),
				Usage:   "Database connection URL; defaults to a local file for sqlite",
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("ROOM_TIMELINE_DB_KIND"),
				Usage:   "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
				Value:   "sqlite",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "List the migration steps without running them",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			if _, err := registrystore.Select(cfg.DatastoreType); err != nil {
				return err
			}
			if err := cfg.ValidateDatastore(); err != nil {
				return err
			}

			if cmd.Bool("dry-run") {
				for _, p := range registrymigrate.For(cfg.DatastoreType) {
					fmt.Fprintf(cmd.Root().Writer, "%d\t%s\n", p.Order, p.Name)
				}
				return nil
			}
			if err := registrymigrate.Run(ctx, cfg.DatastoreType, cfg.ResolvedDBURL()); err != nil {
				return err
			}
			log.Info("Schema is up to date", "datastore", cfg.DatastoreType)
			return nil
		},
	}
}
