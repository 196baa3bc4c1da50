package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/jackc/pgx/v5"
)

const ruleColumns = `rule_id, user_id, name, metric, threshold, COALESCE(entity_filter, ''), channels, enabled, created_at, updated_at`

// AlertStore persists alert rules, events and per-channel deliveries.
type AlertStore struct {
	Client
}

// NewAlertStore wraps a connected client.
func NewAlertStore(c Client) *AlertStore {
	return &AlertStore{Client: c}
}

// EventCursor is a keyset position in the event feed, newest first.
type EventCursor struct {
	CreatedAt time.Time
	AlertID   string
}

// EventQuery filters the event feed. Empty fields do not filter.
type EventQuery struct {
	UserID string
	RuleID string
	Status alert.Status
	Before *EventCursor
	Limit  int
}

func scanRule(row pgx.Row) (alert.Rule, error) {
	var (
		r      alert.Rule
		metric string
		filter string
	)
	if err := row.Scan(&r.RuleID, &r.UserID, &r.Name, &metric, &r.Threshold, &filter, &r.Channels, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return alert.Rule{}, err
	}
	r.Metric = alert.Metric(metric)
	if filter != "" {
		r.EntityFilter = &filter
	}
	return r, nil
}

func collectRules(rows pgx.Rows) ([]alert.Rule, error) {
	defer rows.Close()
	var out []alert.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRule inserts a rule. RuleID, CreatedAt and UpdatedAt must be set.
func (s *AlertStore) CreateRule(ctx context.Context, r alert.Rule) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alert_rules (rule_id, user_id, name, metric, threshold, entity_filter, channels, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.RuleID, r.UserID, r.Name, string(r.Metric), r.Threshold, r.EntityFilter, r.Channels, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule loads one rule.
func (s *AlertStore) GetRule(ctx context.Context, ruleID string) (alert.Rule, error) {
	r, err := scanRule(s.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE rule_id = $1`, ruleID))
	if err != nil {
		if IsNoRows(err) {
			return alert.Rule{}, errs.NotFound("rule", ruleID)
		}
		return alert.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListRules returns the rules of a user, oldest first. An empty userID lists
// every rule.
func (s *AlertStore) ListRules(ctx context.Context, userID string) ([]alert.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, rule_id`

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return collectRules(rows)
}

// EnabledRules returns every enabled rule.
func (s *AlertStore) EnabledRules(ctx context.Context) ([]alert.Rule, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	return collectRules(rows)
}

// UpdateRule overwrites the mutable fields of a rule.
func (s *AlertStore) UpdateRule(ctx context.Context, r alert.Rule) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE alert_rules
		SET name = $2, metric = $3, threshold = $4, entity_filter = $5, channels = $6, enabled = $7, updated_at = $8
		WHERE rule_id = $1`,
		r.RuleID, r.Name, string(r.Metric), r.Threshold, r.EntityFilter, r.Channels, r.Enabled, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("rule", r.RuleID)
	}
	return nil
}

// DeleteRule removes a rule. Its past events stay in the feed.
func (s *AlertStore) DeleteRule(ctx context.Context, ruleID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM alert_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("rule", ruleID)
	}
	return nil
}

// InsertEventIfAbsent creates ev and one pending delivery per channel unless
// an event for the same rule and entity was created within window before
// ev.CreatedAt. The check and the insert run under a transaction scoped
// advisory lock on (rule, entity), so concurrent evaluators cannot both
// insert. It reports whether the event was created.
func (s *AlertStore) InsertEventIfAbsent(ctx context.Context, ev alert.Event, channels []string, window time.Duration) (bool, error) {
	created := false
	err := s.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ev.RuleID+":"+ev.EntityID); err != nil {
			return fmt.Errorf("lock rule entity: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM alert_events
				WHERE rule_id = $1 AND entity_id = $2 AND created_at > $3
			)`, ev.RuleID, ev.EntityID, ev.CreatedAt.Add(-window)).Scan(&exists); err != nil {
			return fmt.Errorf("check recent event: %w", err)
		}
		if exists {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO alert_events (alert_id, rule_id, entity_id, payload, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			ev.AlertID, ev.RuleID, ev.EntityID, []byte(ev.Payload), string(alert.StatusPending), ev.CreatedAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		for _, ch := range channels {
			if _, err := tx.Exec(ctx, `
				INSERT INTO alert_deliveries (alert_id, channel, status, attempts, last_error, updated_at)
				VALUES ($1, $2, $3, 0, '', $4)`,
				ev.AlertID, ch, string(alert.StatusPending), ev.CreatedAt); err != nil {
				return fmt.Errorf("insert delivery: %w", err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// PendingEvents returns up to limit pending events, oldest first, with their
// deliveries.
func (s *AlertStore) PendingEvents(ctx context.Context, limit int) ([]alert.Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT alert_id, rule_id, entity_id, payload, status, created_at, updated_at
		FROM alert_events
		WHERE status = $1
		ORDER BY created_at, alert_id
		LIMIT $2`, string(alert.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachDeliveries(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListEvents reads the event feed, newest first.
func (s *AlertStore) ListEvents(ctx context.Context, q EventQuery) ([]alert.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.UserID != "" {
		where = append(where, "rule_id IN (SELECT rule_id FROM alert_rules WHERE user_id = "+arg(q.UserID)+")")
	}
	if q.RuleID != "" {
		where = append(where, "rule_id = "+arg(q.RuleID))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.Before != nil {
		where = append(where, fmt.Sprintf("(created_at, alert_id) < (%s, %s)", arg(q.Before.CreatedAt), arg(q.Before.AlertID)))
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT alert_id, rule_id, entity_id, payload, status, created_at, updated_at FROM alert_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, alert_id DESC LIMIT " + arg(q.Limit)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachDeliveries(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateDelivery records the outcome of one channel attempt. Terminal
// deliveries are left untouched.
func (s *AlertStore) UpdateDelivery(ctx context.Context, d alert.Delivery) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET status = $3, attempts = $4, last_error = $5, updated_at = $6
		WHERE alert_id = $1 AND channel = $2 AND status = 'pending'`,
		d.AlertID, d.Channel, string(d.Status), d.Attempts, d.LastError, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// FinalizeEvent moves a pending event to a terminal status. It reports false
// when the event was no longer pending.
func (s *AlertStore) FinalizeEvent(ctx context.Context, alertID string, status alert.Status, at time.Time) (bool, error) {
	if !alert.CanTransition(alert.StatusPending, status) {
		return false, errs.Validation("status", string(status), "not a terminal status")
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE alert_events SET status = $2, updated_at = $3
		WHERE alert_id = $1 AND status = 'pending'`, alertID, string(status), at)
	if err != nil {
		return false, fmt.Errorf("finalize event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectEvents(rows pgx.Rows) ([]alert.Event, error) {
	defer rows.Close()
	var out []alert.Event
	for rows.Next() {
		var (
			ev      alert.Event
			payload []byte
			status  string
		)
		if err := rows.Scan(&ev.AlertID, &ev.RuleID, &ev.EntityID, &payload, &status, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		ev.Status = alert.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *AlertStore) attachDeliveries(ctx context.Context, events []alert.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, len(events))
	index := make(map[string]int, len(events))
	for i, ev := range events {
		ids[i] = ev.AlertID
		index[ev.AlertID] = i
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT alert_id, channel, status, attempts, last_error, updated_at
		FROM alert_deliveries
		WHERE alert_id = ANY($1)
		ORDER BY alert_id, channel`, ids)
	if err != nil {
		return fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d      alert.Delivery
			status string
		)
		if err := rows.Scan(&d.AlertID, &d.Channel, &status, &d.Attempts, &d.LastError, &d.UpdatedAt); err != nil {
			return fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = alert.Status(status)
		if i, ok := index[d.AlertID]; ok {
			events[i].Deliveries = append(events[i].Deliveries, d)
		}
	}
	return rows.Err()
}
