package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/ingest"
	"github.com/canopy-network/entityx/pkg/logging"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type App struct {
	Consumer *ingest.Consumer
	Deps     *deps.Deps
	Server   *http.Server
	Logger   *zap.Logger
}

// Initialize connects to ClickHouse and Kafka. The consumer group is shared
// across replicas so partitions are split between them.
func Initialize(ctx context.Context) *App {
	logger, err := logging.NewFor("ingest")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	d, err := deps.Open(ctx, logger, "ingest", deps.Needs{ClickHouse: true})
	if err != nil {
		logger.Fatal("Unable to initialize stores", zap.Error(err))
	}

	opts := []ingest.Option{
		ingest.WithBrokers(utils.EnvList("KAFKA_BROKERS", []string{"localhost:9092"})...),
		ingest.WithTopic(utils.Env("KAFKA_TOPIC", "transactions")),
		ingest.WithGroup(utils.Env("KAFKA_GROUP", "entityx-ingest")),
		ingest.WithTLS(utils.EnvBool("KAFKA_TLS", false)),
		ingest.WithMetrics(d.Metrics),
	}
	if user := utils.Env("KAFKA_USER", ""); user != "" {
		opts = append(opts, ingest.WithSCRAM(user, utils.Env("KAFKA_PASSWORD", "")))
	}
	consumer, err := ingest.NewConsumer(d.Store, logger, opts...)
	if err != nil {
		logger.Fatal("Unable to create feed consumer", zap.Error(err))
	}

	app := &App{Consumer: consumer, Deps: d, Logger: logger}
	app.Server = app.newServer(utils.Env("ADDR", ":3003"))
	return app
}

func (a *App) newServer(addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.Deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, err := range a.Deps.Ping(r.Context()) {
			if err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// Start consumes until the context is canceled. A batch that cannot be
// stored after retries is fatal; offsets stay uncommitted so a restart
// replays it.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	err := a.Consumer.Run(ctx)
	a.Stop()
	if err != nil {
		a.Logger.Fatal("Feed consumer stopped", zap.Error(err))
	}
}

func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.Consumer.Close()
	a.Deps.Close()
	a.Logger.Info("Ingest stopped")
}
