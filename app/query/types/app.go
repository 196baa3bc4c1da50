package types

import (
	"context"
	"net/http"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/resolution"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Resolver answers address and cluster lookups.
type Resolver interface {
	Resolve(ctx context.Context, address string) (resolution.Result, error)
	ResolveBatch(ctx context.Context, addresses []string) ([]resolution.BatchItem, error)
	ClusterDetail(ctx context.Context, clusterID string) (resolution.ClusterDetail, error)
}

// RuleService manages alert rules and lists their events.
type RuleService interface {
	Create(ctx context.Context, r alert.Rule) (alert.Rule, error)
	Get(ctx context.Context, ruleID string) (alert.Rule, error)
	List(ctx context.Context, userID string) ([]alert.Rule, error)
	Update(ctx context.Context, ruleID string, r alert.Rule) (alert.Rule, error)
	Delete(ctx context.Context, ruleID string) error
	Events(ctx context.Context, f alerts.EventFilter) (alerts.EventPage, error)
}

type App struct {
	Resolver Resolver
	Rules    RuleService
	// Ping reports each backing store; a non-nil error marks it down.
	Ping     func(ctx context.Context) map[string]error
	Registry *prometheus.Registry
	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
	// Close releases stores and background listeners.
	Close func()
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Query server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	if a.Close != nil {
		a.Close()
	}
	a.Logger.Info("Query server stopped")
}
