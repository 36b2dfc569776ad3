package inspect

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chirino/room-timeline/internal/config"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v3"
	"maunium.net/go/mautrix/id"

	_ "github.com/chirino/room-timeline/internal/plugin/store/postgres"
	_ "github.com/chirino/room-timeline/internal/plugin/store/sqlite"
)

// Command returns the inspect sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the stored chunk graph as JSON",
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
			&cli.StringFlag{
				Name:  "room",
				Usage: "Room id; lists rooms when empty",
			},
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Include the events of every chunk",
			},
			&cli.StringFlag{
				Name:  "query",
				Usage: "jq expression applied to the output",
				Value: ".",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			ctx = config.WithContext(ctx, &cfg)

			loader, err := registrystore.Select(cfg.DatastoreType)
			if err != nil {
				return err
			}
			store, err := loader(ctx)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			return Run(ctx, store, Options{
				RoomID: id.RoomID(cmd.String("room")),
				Events: cmd.Bool("events"),
				Query:  cmd.String("query"),
			}, cmd.Root().Writer)
		},
	}
}

// Options selects what Run prints.
type Options struct {
	RoomID id.RoomID
	Events bool
	Query  string
}

type chunkDoc struct {
	registrystore.ChunkSummary
	Events []eventDoc `json:"events,omitempty"`
}

type eventDoc struct {
	EventID   id.EventID `json:"eventId"`
	Type      string     `json:"type"`
	Sender    id.UserID  `json:"sender"`
	RelatesTo id.EventID `json:"relatesTo,omitempty"`
}

// Run writes the rooms, or the chunks of opts.RoomID, to w after filtering them
// through opts.Query. Each query result is printed as indented JSON.
func Run(ctx context.Context, store registrystore.TimelineStore, opts Options, w io.Writer) error {
	query, err := gojq.Parse(cmp.Or(opts.Query, "."))
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	var doc any
	if opts.RoomID == "" {
		rooms, err := store.ListRooms(ctx)
		if err != nil {
			return err
		}
		doc = map[string]any{"rooms": rooms}
	} else {
		chunks, err := store.ListChunks(ctx, opts.RoomID)
		if err != nil {
			return err
		}
		docs := make([]chunkDoc, len(chunks))
		for i, c := range chunks {
			docs[i].ChunkSummary = c
			if !opts.Events {
				continue
			}
			events, err := store.ChunkEvents(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, evt := range events {
				docs[i].Events = append(docs[i].Events, eventDoc{
					EventID:   evt.EventID,
					Type:      evt.Type,
					Sender:    evt.Sender,
					RelatesTo: evt.RelatesTo,
				})
			}
		}
		doc = map[string]any{"roomId": opts.RoomID, "chunks": docs}
	}

	// gojq only understands plain JSON values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("query failed: %w", err)
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
}
