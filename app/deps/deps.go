// Package deps opens the stores every entityx process shares and builds the
// engines on top of them.
package deps

import (
	"context"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/db/postgres"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/httpclient"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/redis"
	"github.com/canopy-network/entityx/pkg/resolution"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Deps holds open connections. Close releases them in reverse order.
type Deps struct {
	Logger   *zap.Logger
	Config   *config.Config
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Clock    clockwork.Clock

	Store  *store.DB
	PG     postgres.Client
	Alerts *postgres.AlertStore
	Redis  *redis.Client

	closers []func()
}

// Needs selects which stores to open.
type Needs struct {
	ClickHouse bool
	Postgres   bool
	Redis      bool
}

// Open loads configuration and connects to the selected stores. The component
// name sizes the connection pools.
func Open(ctx context.Context, logger *zap.Logger, component string, needs Needs) (*Deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d := &Deps{
		Logger:   logger,
		Config:   cfg,
		Metrics:  metrics.New(reg),
		Registry: reg,
		Clock:    clockwork.NewRealClock(),
	}

	if needs.ClickHouse {
		db, err := store.New(ctx, logger, utils.Env("CLICKHOUSE_DB", "entityx"), component)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Store = db
		d.closers = append(d.closers, func() { _ = db.Close() })
	}

	if needs.Postgres {
		pg, err := postgres.New(ctx, logger, postgres.GetPoolConfigForComponent(component))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.PG = pg
		d.Alerts = postgres.NewAlertStore(pg)
		d.closers = append(d.closers, pg.Close)
	}

	if needs.Redis {
		rc, err := redis.NewClient(ctx, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = rc
		d.closers = append(d.closers, func() { _ = rc.Close() })
	}

	return d, nil
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Resolution builds the query service over the analytical store with Redis
// as the shared cache tier. It is closed with Deps.
func (d *Deps) Resolution() *resolution.Service {
	var remote resolution.Remote
	if d.Redis != nil {
		remote = d.Redis
	}
	svc := resolution.NewService(d.Store, remote, d.Config.Resolution, d.Logger, d.Metrics).WithClock(d.Clock)
	d.closers = append(d.closers, svc.Close)
	return svc
}

// Notifier wires every configured delivery channel. Slack is enabled by
// SLACK_TOKEN; the Redis stream channel needs Redis.
func (d *Deps) Notifier() *alerts.Notifier {
	httpClient := httpclient.New(httpclient.OptsFromEnv(d.Config.Alerts.DeliveryTimeout))
	deliverers := map[alert.ChannelKind]alerts.Deliverer{
		alert.ChannelWebhook: alerts.NewWebhookDeliverer(httpClient),
	}
	if token := utils.Env("SLACK_TOKEN", ""); token != "" {
		opts := []slack.Option{slack.OptionHTTPClient(httpClient)}
		if api := utils.Env("SLACK_API_URL", ""); api != "" {
			opts = append(opts, slack.OptionAPIURL(api))
		}
		deliverers[alert.ChannelSlack] = alerts.NewSlackDeliverer(token, opts...)
	}

	var streams alerts.StreamWriter
	if d.Redis != nil {
		deliverers[alert.ChannelStream] = alerts.NewStreamDeliverer(d.Redis)
		streams = d.Redis
	}
	return alerts.NewNotifier(d.Alerts, deliverers, streams, d.Config.Alerts, d.Logger, d.Metrics, d.Clock)
}

// Ping checks every open store within a short deadline.
func (d *Deps) Ping(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out := map[string]error{}
	if d.Store != nil {
		out["clickhouse"] = d.Store.Ping(ctx)
	}
	if d.Alerts != nil {
		out["postgres"] = d.PG.Ping(ctx)
	}
	if d.Redis != nil {
		out["redis"] = d.Redis.Health(ctx)
	}
	return out
}
