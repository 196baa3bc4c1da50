package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// EventStore is the transactional side of the evaluator.
type EventStore interface {
	DeliveryStore
	EnabledRules(ctx context.Context) ([]alert.Rule, error)
	InsertEventIfAbsent(ctx context.Context, ev alert.Event, channels []string, window time.Duration) (bool, error)
	PendingEvents(ctx context.Context, limit int) ([]alert.Event, error)
}

// FactReader reads the latest fact snapshots.
type FactReader interface {
	LatestFacts(ctx context.Context, metric, window string, since time.Time) ([]alert.Fact, error)
	EntityNames(ctx context.Context, ids []string) (map[string]string, error)
}

// EvalResult summarizes one evaluation pass.
type EvalResult struct {
	Rules      int `json:"rules"`
	Matched    int `json:"matched"`
	Created    int `json:"created"`
	Suppressed int `json:"suppressed"`
	Redriven   int `json:"redriven"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Errors     int `json:"errors"`
}

// Evaluator matches enabled rules against the latest facts.
type Evaluator struct {
	events   EventStore
	facts    FactReader
	notifier *Notifier
	cfg      config.Alerts
	workers  int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
}

func NewEvaluator(events EventStore, facts FactReader, notifier *Notifier, cfg config.Alerts, logger *zap.Logger, m *metrics.Metrics, clock clockwork.Clock) *Evaluator {
	if m == nil {
		m = metrics.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Evaluator{
		events:   events,
		facts:    facts,
		notifier: notifier,
		cfg:      cfg,
		workers:  8,
		logger:   logger,
		metrics:  m,
		clock:    clock,
	}
}

type match struct {
	rule alert.Rule
	fact alert.Fact
}

// Run re-drives events left pending by earlier runs, creates new events for
// rule matches outside the dedup window and delivers all of them.
func (e *Evaluator) Run(ctx context.Context) (EvalResult, error) {
	var res EvalResult
	now := e.clock.Now().UTC()

	pending, err := e.events.PendingEvents(ctx, e.cfg.PendingBatch)
	if err != nil {
		return res, errs.Dependency("postgres", fmt.Errorf("pending events: %w", err))
	}
	res.Redriven = len(pending)

	rules, err := e.events.EnabledRules(ctx)
	if err != nil {
		return res, errs.Dependency("postgres", fmt.Errorf("enabled rules: %w", err))
	}
	res.Rules = len(rules)

	matches, err := e.match(ctx, rules, now)
	if err != nil {
		return res, err
	}
	res.Matched = len(matches)

	names := e.entityNames(ctx, matches)
	toDeliver := pending
	for _, m := range matches {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ev, err := newEvent(m, names[m.fact.EntityID], now)
		if err == nil {
			var created bool
			created, err = e.events.InsertEventIfAbsent(ctx, ev, uniqueChannels(m.rule.Channels), e.cfg.DedupWindow)
			if err == nil && !created {
				res.Suppressed++
				e.metrics.AlertEvents.WithLabelValues("suppressed").Inc()
				continue
			}
		}
		if err != nil {
			// one bad rule must not hold back the others
			res.Errors++
			e.metrics.AlertEvents.WithLabelValues("error").Inc()
			e.logger.Error("alert event not recorded",
				zap.String("rule_id", m.rule.RuleID),
				zap.String("entity_id", m.fact.EntityID),
				zap.Error(err))
			continue
		}
		res.Created++
		e.metrics.AlertEvents.WithLabelValues("created").Inc()
		toDeliver = append(toDeliver, ev)
	}

	e.deliver(ctx, toDeliver, &res)

	e.logger.Info("alert rules evaluated",
		zap.Int("rules", res.Rules),
		zap.Int("matched", res.Matched),
		zap.Int("created", res.Created),
		zap.Int("suppressed", res.Suppressed),
		zap.Int("redriven", res.Redriven),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("errors", res.Errors))
	return res, ctx.Err()
}

// uniqueChannels drops repeats so each channel gets one delivery row.
func uniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// match reads each metric once and pairs it with the rules that watch it.
func (e *Evaluator) match(ctx context.Context, rules []alert.Rule, now time.Time) ([]match, error) {
	byMetric := make(map[alert.Metric][]alert.Rule)
	for _, r := range rules {
		byMetric[r.Metric] = append(byMetric[r.Metric], r)
	}

	since := now.Add(-e.cfg.Lookback)
	var out []match
	for _, metric := range alert.Metrics() {
		watching := byMetric[metric]
		if len(watching) == 0 {
			continue
		}
		facts, err := e.facts.LatestFacts(ctx, metric.Base(), metric.Window(), since)
		if err != nil {
			return nil, errs.Dependency("clickhouse", fmt.Errorf("latest facts %s: %w", metric, err))
		}
		for _, r := range watching {
			for _, f := range facts {
				if r.Matches(f.EntityID) && f.Value >= r.Threshold {
					out = append(out, match{rule: r, fact: f})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rule.RuleID != out[j].rule.RuleID {
			return out[i].rule.RuleID < out[j].rule.RuleID
		}
		return out[i].fact.EntityID < out[j].fact.EntityID
	})
	return out, nil
}

// entityNames decorates payloads. A lookup failure only drops the names.
func (e *Evaluator) entityNames(ctx context.Context, matches []match) map[string]string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.fact.EntityID]; ok {
			continue
		}
		seen[m.fact.EntityID] = struct{}{}
		ids = append(ids, m.fact.EntityID)
	}
	names, err := e.facts.EntityNames(ctx, ids)
	if err != nil {
		e.logger.Warn("entity names unavailable", zap.Error(err))
		return nil
	}
	return names
}

func newEvent(m match, entityName string, now time.Time) (alert.Event, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(alert.Payload{
		AlertID:    id,
		RuleID:     m.rule.RuleID,
		RuleName:   m.rule.Name,
		EntityID:   m.fact.EntityID,
		EntityName: entityName,
		Metric:     m.rule.Metric,
		Value:      m.fact.Value,
		Threshold:  m.rule.Threshold,
		ComputedAt: m.fact.ComputedAt,
	})
	if err != nil {
		return alert.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	ev := alert.Event{
		AlertID:   id,
		RuleID:    m.rule.RuleID,
		EntityID:  m.fact.EntityID,
		Payload:   payload,
		Status:    alert.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, ch := range m.rule.Channels {
		ev.Deliveries = append(ev.Deliveries, alert.Delivery{
			AlertID:   id,
			Channel:   ch,
			Status:    alert.StatusPending,
			UpdatedAt: now,
		})
	}
	return ev, nil
}

// deliver hands events to the notifier concurrently. Events that cannot be
// recorded stay pending and are picked up by the next run.
func (e *Evaluator) deliver(ctx context.Context, events []alert.Event, res *EvalResult) {
	if len(events) == 0 {
		return
	}
	var mu sync.Mutex

	pool := pond.NewPool(e.workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, ev := range events {
		group.Submit(func() {
			status, err := e.notifier.Deliver(groupCtx, ev)
			if err != nil {
				e.logger.Error("alert left pending", zap.String("alert_id", ev.AlertID), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case alert.StatusDelivered:
				res.Delivered++
			case alert.StatusFailed:
				res.Failed++
			default:
				res.Pending++
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("alert delivery group ended", zap.Error(err))
	}
}
