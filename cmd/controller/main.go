package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/entityx/app/controller"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := controller.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	app.ReconcileOnce(ctx)

	app.StartCron()
	app.SetupServer()
	app.Start(ctx)
}
