package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/cmd/inspect"
	"github.com/chirino/room-timeline/internal/cmd/migrate"
	"github.com/chirino/room-timeline/internal/cmd/serve"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to load .env", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "room-timeline",
		Usage: "Chunked room timeline store and pagination engine for Matrix clients",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			inspect.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
