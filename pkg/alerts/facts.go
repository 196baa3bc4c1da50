// Package alerts turns labeled entity flows into windowed facts, evaluates
// user rules against the latest facts and fans triggered events out to
// delivery channels.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"go.uber.org/zap"
)

const (
	hour     = time.Hour
	day      = 24 * time.Hour
	baseline = 30 * day
)

// FactStore is the analytical side of the fact builder.
type FactStore interface {
	EntityFlows(ctx context.Context, from, to time.Time, minConfidence float64) ([]store.EntityFlow, error)
	InsertFacts(ctx context.Context, facts []alert.Fact) error
}

// FactBuilder snapshots per-entity flow metrics into alert_facts.
type FactBuilder struct {
	store   FactStore
	cfg     config.Alerts
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFactBuilder(st FactStore, cfg config.Alerts, logger *zap.Logger, m *metrics.Metrics) *FactBuilder {
	if m == nil {
		m = metrics.Nop()
	}
	return &FactBuilder{store: st, cfg: cfg, logger: logger, metrics: m}
}

// Run computes facts as of asOf and appends them. Rerunning with the same
// asOf appends an identical snapshot, which LatestFacts collapses.
func (b *FactBuilder) Run(ctx context.Context, asOf time.Time) (int, error) {
	asOf = asOf.UTC()
	flows, err := b.store.EntityFlows(ctx, asOf.Add(-(baseline + day)), asOf, b.cfg.MinClusterConfidence)
	if err != nil {
		return 0, errs.Dependency("clickhouse", fmt.Errorf("entity flows: %w", err))
	}

	facts := ComputeFacts(flows, asOf)
	if err := b.store.InsertFacts(ctx, facts); err != nil {
		return 0, errs.Dependency("clickhouse", fmt.Errorf("insert facts: %w", err))
	}
	b.metrics.FactsWritten.Add(float64(len(facts)))
	b.logger.Info("alert facts written",
		zap.Time("as_of", asOf),
		zap.Int("flows", len(flows)),
		zap.Int("facts", len(facts)))
	return len(facts), nil
}

type flowTotals struct {
	in1h, in24h, out24h, outPrior float64
}

// ComputeFacts folds per-transaction flows into facts stamped asOf. Windows
// are half-open on the left: a flow at exactly asOf-24h is outside the 24h
// window and inside the baseline. outflow_spike_vs_30d compares outflow_24h
// with the mean daily outflow of the 30 days before that window and is omitted
// when the baseline is zero.
func ComputeFacts(flows []store.EntityFlow, asOf time.Time) []alert.Fact {
	totals := make(map[string]*flowTotals)
	for _, f := range flows {
		age := asOf.Sub(f.BlockTime)
		if age < 0 || age >= baseline+day {
			continue
		}
		t := totals[f.EntityID]
		if t == nil {
			t = &flowTotals{}
			totals[f.EntityID] = t
		}
		switch {
		case age < day:
			addFlow(t, f.Net, age < hour)
		default:
			if f.Net < 0 {
				t.outPrior -= f.Net
			}
		}
	}

	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	facts := make([]alert.Fact, 0, len(ids)*len(alert.Metrics()))
	fact := func(id string, m alert.Metric, v float64) alert.Fact {
		return alert.Fact{EntityID: id, Metric: m.Base(), Window: m.Window(), Value: v, ComputedAt: asOf}
	}
	for _, id := range ids {
		t := totals[id]
		facts = append(facts,
			fact(id, alert.MetricInflow1h, t.in1h),
			fact(id, alert.MetricInflow24h, t.in24h),
			fact(id, alert.MetricOutflow24h, t.out24h),
			fact(id, alert.MetricNetFlow24h, t.in24h-t.out24h),
		)
		if t.outPrior > 0 {
			facts = append(facts, fact(id, alert.MetricOutflowSpikeVs30d, t.out24h/(t.outPrior/30)))
		}
	}
	return facts
}

func addFlow(t *flowTotals, net float64, lastHour bool) {
	if net < 0 {
		t.out24h -= net
		return
	}
	t.in24h += net
	if lastHour {
		t.in1h += net
	}
}
