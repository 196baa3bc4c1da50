package worker

import (
	"context"
	"time"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/httpclient"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/canopy-network/entityx/pkg/logging"
	"github.com/canopy-network/entityx/pkg/pipeline/activity"
	"github.com/canopy-network/entityx/pkg/pipeline/workflow"
	"github.com/canopy-network/entityx/pkg/scoring"
	"github.com/canopy-network/entityx/pkg/temporal"
	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	"github.com/canopy-network/entityx/pkg/utils"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Deps           *deps.Deps
	Logger         *zap.Logger

	closers []func()
}

// Start starts the worker and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

// Stop stops the worker.
func (a *App) Stop() {
	a.Worker.Stop()
	for _, c := range a.closers {
		c()
	}
	a.Deps.Close()
	a.TemporalClient.Close()
	a.Logger.Info("Worker stopped")
}

// Initialize connects every store, builds the job engines and registers the
// pipeline workflows on the pipeline queue.
func Initialize(ctx context.Context) *App {
	logger, err := logging.NewFor("worker")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	d, err := deps.Open(ctx, logger, "worker", deps.Needs{ClickHouse: true, Postgres: true, Redis: true})
	if err != nil {
		logger.Fatal("Unable to initialize stores", zap.Error(err))
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	if utils.EnvBool("WORKER_ENSURE_SCHEDULES", true) {
		if err := temporal.EnsureSchedules(ctx, temporalClient.TSClient, temporalClient.PipelineQueue, temporal.PipelineSchedules(), logger); err != nil {
			logger.Warn("Unable to reconcile schedules", zap.Error(err))
		}
	}

	cfg := d.Config
	normalizer := labels.NewNormalizer(d.Store, cfg, logger, d.Metrics, d.Clock)
	clusterer := clustering.NewEngine(d.Store, d.Redis, cfg.Clustering, logger, d.Metrics, d.Clock)
	scorer := scoring.NewEngine(d.Store, cfg, logger, d.Metrics)
	evaluator := alerts.NewEvaluator(d.Alerts, d.Store, d.Notifier(), cfg.Alerts, logger, d.Metrics, d.Clock)

	activityContext := &activity.Context{
		Logger:     logger,
		Labels:     labels.NewRunner(normalizer, utils.EnvInt("LABEL_SOURCE_WORKERS", 4)),
		Sources:    labels.SourcesFromConfig(cfg, httpclient.New(httpclient.OptsFromEnv(time.Minute))),
		Clustering: clusterer,
		Scoring:    scorer,
		Facts:      alerts.NewFactBuilder(d.Store, cfg.Alerts, logger, d.Metrics),
		Alerts:     evaluator,
		Resolution: d.Resolution(),
	}
	workflowContext := workflow.Context{
		TaskQueue:       temporalClient.PipelineQueue,
		ActivityContext: activityContext,
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.PipelineQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:   4,
			MaxConcurrentActivityTaskPollers:   4,
			MaxConcurrentActivityExecutionSize: utils.EnvInt("WORKER_MAX_ACTIVITIES", 8),
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)

	wkr.RegisterWorkflowWithOptions(workflowContext.HourlyWorkflow, temporalworkflow.RegisterOptions{Name: pipeline.HourlyWorkflowName})
	wkr.RegisterWorkflowWithOptions(workflowContext.DailyWorkflow, temporalworkflow.RegisterOptions{Name: pipeline.DailyWorkflowName})
	wkr.RegisterWorkflowWithOptions(workflowContext.CompactionWorkflow, temporalworkflow.RegisterOptions{Name: pipeline.CompactionWorkflowName})

	wkr.RegisterActivity(activityContext.RefreshLabels)
	wkr.RegisterActivity(activityContext.ClusterIncremental)
	wkr.RegisterActivity(activityContext.CompactClusters)
	wkr.RegisterActivity(activityContext.ScoreLabels)
	wkr.RegisterActivity(activityContext.BuildFacts)
	wkr.RegisterActivity(activityContext.EvaluateAlerts)
	wkr.RegisterActivity(activityContext.InvalidateResolution)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Deps:           d,
		Logger:         logger,
		closers:        []func(){clusterer.Close, scorer.Close},
	}
}
