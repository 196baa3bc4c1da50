package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/db/postgres"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
)

// memAlerts keeps rules, events, facts and flows in memory with the same
// dedup and terminal-state rules as the postgres store.
type memAlerts struct {
	mu      sync.Mutex
	rules   map[string]alert.Rule
	events  map[string]*alert.Event
	facts   []alert.Fact
	names   map[string]string
	flows   []store.EntityFlow
	written []alert.Fact

	flowsFrom     time.Time
	minConfidence float64

	// insertErr fails event inserts for the keyed rule ids.
	insertErr map[string]error
}

func newMemAlerts() *memAlerts {
	return &memAlerts{
		rules:     make(map[string]alert.Rule),
		events:    make(map[string]*alert.Event),
		names:     make(map[string]string),
		insertErr: make(map[string]error),
	}
}

func (m *memAlerts) CreateRule(_ context.Context, r alert.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.RuleID] = r
	return nil
}

func (m *memAlerts) GetRule(_ context.Context, id string) (alert.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return alert.Rule{}, errs.NotFound("rule", id)
	}
	return r, nil
}

func (m *memAlerts) ListRules(_ context.Context, userID string) ([]alert.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Rule
	for _, r := range m.rules {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (m *memAlerts) EnabledRules(ctx context.Context) ([]alert.Rule, error) {
	all, _ := m.ListRules(ctx, "")
	var out []alert.Rule
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAlerts) UpdateRule(_ context.Context, r alert.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.RuleID]; !ok {
		return errs.NotFound("rule", r.RuleID)
	}
	m.rules[r.RuleID] = r
	return nil
}

func (m *memAlerts) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return errs.NotFound("rule", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *memAlerts) InsertEventIfAbsent(_ context.Context, ev alert.Event, channels []string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertErr[ev.RuleID]; err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if seen[ch] {
			return false, errors.New(`duplicate key value violates unique constraint "alert_deliveries_pkey"`)
		}
		seen[ch] = true
	}
	for _, existing := range m.events {
		if existing.RuleID == ev.RuleID && existing.EntityID == ev.EntityID && existing.CreatedAt.After(ev.CreatedAt.Add(-window)) {
			return false, nil
		}
	}
	stored := ev
	stored.Status = alert.StatusPending
	stored.Deliveries = nil
	for _, ch := range channels {
		stored.Deliveries = append(stored.Deliveries, alert.Delivery{AlertID: ev.AlertID, Channel: ch, Status: alert.StatusPending, UpdatedAt: ev.CreatedAt})
	}
	m.events[ev.AlertID] = &stored
	return true, nil
}

func (m *memAlerts) PendingEvents(_ context.Context, limit int) ([]alert.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Event
	for _, ev := range m.events {
		if ev.Status == alert.StatusPending {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAlerts) ListEvents(_ context.Context, q postgres.EventQuery) ([]alert.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Event
	for _, ev := range m.events {
		if q.RuleID != "" && ev.RuleID != q.RuleID {
			continue
		}
		if q.Status != "" && ev.Status != q.Status {
			continue
		}
		if q.Before != nil {
			if ev.CreatedAt.After(q.Before.CreatedAt) {
				continue
			}
			if ev.CreatedAt.Equal(q.Before.CreatedAt) && ev.AlertID >= q.Before.AlertID {
				continue
			}
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AlertID > out[j].AlertID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memAlerts) UpdateDelivery(_ context.Context, d alert.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[d.AlertID]
	if !ok {
		return nil
	}
	for i := range ev.Deliveries {
		if ev.Deliveries[i].Channel == d.Channel && ev.Deliveries[i].Status == alert.StatusPending {
			ev.Deliveries[i] = d
		}
	}
	return nil
}

func (m *memAlerts) FinalizeEvent(_ context.Context, id string, status alert.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != alert.StatusPending {
		return false, nil
	}
	ev.Status = status
	ev.UpdatedAt = at
	return true, nil
}

func (m *memAlerts) LatestFacts(_ context.Context, metric, window string, since time.Time) ([]alert.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Fact
	for _, f := range m.facts {
		if f.Metric == metric && f.Window == window && !f.ComputedAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memAlerts) EntityNames(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, id := range ids {
		if n, ok := m.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (m *memAlerts) EntityFlows(_ context.Context, from, _ time.Time, minConfidence float64) ([]store.EntityFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowsFrom = from
	m.minConfidence = minConfidence
	return m.flows, nil
}

func (m *memAlerts) InsertFacts(_ context.Context, facts []alert.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, facts...)
	return nil
}

func (m *memAlerts) setFact(metric alert.Metric, entityID string, value float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = []alert.Fact{{EntityID: entityID, Metric: metric.Base(), Window: metric.Window(), Value: value, ComputedAt: at}}
}

func (m *memAlerts) eventList() []alert.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyEvent(ev *alert.Event) alert.Event {
	c := *ev
	c.Deliveries = append([]alert.Delivery(nil), ev.Deliveries...)
	return c
}
