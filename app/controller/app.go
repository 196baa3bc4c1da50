package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/logging"
	"github.com/canopy-network/entityx/pkg/temporal"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// FactPruner drops alert facts past retention.
type FactPruner interface {
	PruneFacts(ctx context.Context, now time.Time, retention time.Duration) ([]string, error)
}

// App keeps the pipeline schedules in Temporal matching the code and prunes
// alert facts, every Cron tick.
type App struct {
	Schedules client.ScheduleClient
	Queue     string
	Pruner    FactPruner
	Retention time.Duration

	// Cron triggers reconciliation at CronSpec and pruning at PruneSpec.
	Cron      *cron.Cron
	CronSpec  string
	PruneSpec string

	// TemporalHealth reports the pipeline queue pollers on /status. Optional.
	TemporalHealth func(ctx context.Context) (temporal.Health, error)

	Logger *zap.Logger
	Server *http.Server
	Clock  clockwork.Clock

	reconciled atomic.Bool
	closers    []func()
}

// Initialize connects to Temporal and ClickHouse and builds the App.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.NewFor("controller")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	tc, err := temporal.NewClient(ctx, logger)
	if err != nil {
		return nil, err
	}

	db, err := store.New(ctx, logger, utils.Env("CLICKHOUSE_DB", "entityx"), "controller")
	if err != nil {
		tc.Close()
		return nil, err
	}

	app := New(tc.TSClient, tc.PipelineQueue, db, cfg.Alerts.FactRetention, logger, clockwork.NewRealClock())
	app.CronSpec = utils.Env("CONTROLLER_CRON", app.CronSpec)
	app.PruneSpec = utils.Env("CONTROLLER_PRUNE_CRON", app.PruneSpec)
	app.TemporalHealth = tc.Health
	app.closers = append(app.closers, tc.Close, func() { _ = db.Close() })

	if err := app.SetupScheduler(ctx, cron.VerbosePrintfLogger(zap.NewStdLog(logger))); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// New builds an App from its collaborators.
func New(sc client.ScheduleClient, queue string, pruner FactPruner, retention time.Duration, logger *zap.Logger, clock clockwork.Clock) *App {
	return &App{
		Schedules: sc,
		Queue:     queue,
		Pruner:    pruner,
		Retention: retention,
		CronSpec:  "0 */5 * * * *",
		PruneSpec: "0 17 * * * *",
		Logger:    logger.Named("controller"),
		Clock:     clock,
	}
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/status", http.HandlerFunc(a.handleStatus)).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

type status struct {
	Reconciled bool             `json:"reconciled"`
	Temporal   *temporal.Health `json:"temporal,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := status{Reconciled: a.Ready()}
	code := http.StatusOK
	if a.TemporalHealth != nil {
		h, err := a.TemporalHealth(r.Context())
		st.Temporal = &h
		if err != nil {
			st.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// SetupScheduler sets up the cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := a.Cron.AddFunc(a.CronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := a.Reconcile(rctx); err != nil {
			a.Logger.Warn("Schedule reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	_, err := a.Cron.AddFunc(a.PruneSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := a.Prune(rctx); err != nil {
			a.Logger.Warn("Fact pruning failed", zap.Error(err))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec), zap.String("pruneSpec", a.PruneSpec))
}

// StopCron stops the cron scheduler.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Reconcile creates missing pipeline schedules and corrects drifted specs.
func (a *App) Reconcile(ctx context.Context) error {
	if err := temporal.EnsureSchedules(ctx, a.Schedules, a.Queue, temporal.PipelineSchedules(), a.Logger); err != nil {
		return err
	}
	a.reconciled.Store(true)
	return nil
}

// Prune drops alert fact partitions older than the retention.
func (a *App) Prune(ctx context.Context) ([]string, error) {
	if a.Retention <= 0 {
		return nil, nil
	}
	dropped, err := a.Pruner.PruneFacts(ctx, a.Clock.Now().UTC(), a.Retention)
	if len(dropped) > 0 {
		a.Logger.Info("Pruned alert facts", zap.Strings("partitions", dropped), zap.Duration("retention", a.Retention))
	}
	return dropped, err
}

// ReconcileOnce is a convenience wrapper for Reconcile.
func (a *App) ReconcileOnce(ctx context.Context) {
	if err := a.Reconcile(ctx); err != nil {
		a.Logger.Warn("Initial schedule reconcile failed", zap.Error(err))
	}
}

// Ready reports whether schedules were reconciled at least once.
func (a *App) Ready() bool { return a.reconciled.Load() }

func (a *App) Close() {
	for _, c := range a.closers {
		c()
	}
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Controller server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("Shutting down")
	a.StopCron()
	a.Close()
}
