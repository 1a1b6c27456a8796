package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/cmd/migrate"
	"github.com/chirino/chat-service/internal/cmd/reclaim"
	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "chat-service",
		Usage: "Multi-user chat backend for hosted language models",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			reclaim.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
