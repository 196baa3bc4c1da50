package query

import (
	"context"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/app/query/types"
	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/logging"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.NewFor("query")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	d, err := deps.Open(ctx, logger, "query", deps.Needs{ClickHouse: true, Postgres: true, Redis: true})
	if err != nil {
		logger.Fatal("Unable to initialize stores", zap.Error(err))
	}

	resolver := d.Resolution()

	// cache invalidations published by the worker
	listenCtx, stopListen := context.WithCancel(ctx)
	go func() {
		if err := resolver.Listen(listenCtx); err != nil && listenCtx.Err() == nil {
			logger.Error("Resolution invalidation listener stopped", zap.Error(err))
		}
	}()

	return &types.App{
		Resolver: resolver,
		Rules:    alerts.NewRules(d.Alerts, d.Clock),
		Ping:     d.Ping,
		Registry: d.Registry,
		Logger:   logger,
		Close: func() {
			stopListen()
			d.Close()
		},
	}
}
