package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/entityx/app/ingest"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := ingest.Initialize(ctx)

	app.Start(ctx)
}
