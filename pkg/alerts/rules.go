package alerts

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/db/postgres"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RuleStore is the rule and event persistence used by the rule service.
type RuleStore interface {
	CreateRule(ctx context.Context, r alert.Rule) error
	GetRule(ctx context.Context, ruleID string) (alert.Rule, error)
	ListRules(ctx context.Context, userID string) ([]alert.Rule, error)
	UpdateRule(ctx context.Context, r alert.Rule) error
	DeleteRule(ctx context.Context, ruleID string) error
	ListEvents(ctx context.Context, q postgres.EventQuery) ([]alert.Event, error)
}

// Rules validates and persists alert rules and pages the event feed.
type Rules struct {
	store RuleStore
	clock clockwork.Clock
}

func NewRules(st RuleStore, clock clockwork.Clock) *Rules {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Rules{store: st, clock: clock}
}

// Create assigns an id and timestamps, validates and stores r.
func (s *Rules) Create(ctx context.Context, r alert.Rule) (alert.Rule, error) {
	if err := r.Validate(); err != nil {
		return alert.Rule{}, err
	}
	now := s.clock.Now().UTC()
	r.RuleID = uuid.NewString()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.CreateRule(ctx, r); err != nil {
		return alert.Rule{}, storeErr(err)
	}
	return r, nil
}

func (s *Rules) Get(ctx context.Context, ruleID string) (alert.Rule, error) {
	if err := checkID(ruleID); err != nil {
		return alert.Rule{}, err
	}
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return alert.Rule{}, storeErr(err)
	}
	return r, nil
}

func (s *Rules) List(ctx context.Context, userID string) ([]alert.Rule, error) {
	rules, err := s.store.ListRules(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return rules, nil
}

// Update replaces the mutable fields of an existing rule. The owner and
// creation time are kept from the stored rule.
func (s *Rules) Update(ctx context.Context, ruleID string, r alert.Rule) (alert.Rule, error) {
	current, err := s.Get(ctx, ruleID)
	if err != nil {
		return alert.Rule{}, err
	}
	r.RuleID = current.RuleID
	r.UserID = current.UserID
	r.CreatedAt = current.CreatedAt
	if err := r.Validate(); err != nil {
		return alert.Rule{}, err
	}
	r.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return alert.Rule{}, storeErr(err)
	}
	return r, nil
}

func (s *Rules) Delete(ctx context.Context, ruleID string) error {
	if err := checkID(ruleID); err != nil {
		return err
	}
	return storeErr(s.store.DeleteRule(ctx, ruleID))
}

// EventPage is one page of the event feed.
type EventPage struct {
	Events     []alert.Event `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// EventFilter selects events. Cursor is an opaque value from a previous page.
type EventFilter struct {
	UserID string
	RuleID string
	Status string
	Cursor string
	Limit  int
}

// Events pages the feed newest first.
func (s *Rules) Events(ctx context.Context, f EventFilter) (EventPage, error) {
	q := postgres.EventQuery{UserID: f.UserID, RuleID: f.RuleID, Limit: f.Limit}
	if f.Status != "" {
		q.Status = alert.Status(f.Status)
		if !q.Status.IsValid() {
			return EventPage{}, errs.Validation("status", f.Status, "expected pending, delivered or failed")
		}
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		return EventPage{}, errs.Validation("limit", strconv.Itoa(f.Limit), fmt.Sprintf("must be at most %d", maxPageSize))
	}
	if f.Cursor != "" {
		c, err := DecodeCursor(f.Cursor)
		if err != nil {
			return EventPage{}, err
		}
		q.Before = &c
	}

	events, err := s.store.ListEvents(ctx, q)
	if err != nil {
		return EventPage{}, storeErr(err)
	}
	page := EventPage{Events: events}
	if page.Events == nil {
		page.Events = []alert.Event{}
	}
	if len(events) == q.Limit {
		last := events[len(events)-1]
		page.NextCursor = EncodeCursor(postgres.EventCursor{CreatedAt: last.CreatedAt, AlertID: last.AlertID})
	}
	return page, nil
}

// EncodeCursor renders a feed position as an opaque token.
func EncodeCursor(c postgres.EventCursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.AlertID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (postgres.EventCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return postgres.EventCursor{}, errs.Validation("cursor", token, "malformed")
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return postgres.EventCursor{}, errs.Validation("cursor", token, "malformed")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return postgres.EventCursor{}, errs.Validation("cursor", token, "malformed")
	}
	return postgres.EventCursor{CreatedAt: time.Unix(0, n).UTC(), AlertID: id}, nil
}

func checkID(ruleID string) error {
	if _, err := uuid.Parse(ruleID); err != nil {
		return errs.Validation("rule_id", ruleID, "not a uuid")
	}
	return nil
}

// storeErr keeps typed errors and marks everything else as a postgres
// dependency failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errs.IsNotFound(err) || errs.IsValidation(err) || errs.IsConflict(err) || errs.IsDependency(err) {
		return err
	}
	return errs.Dependency("postgres", err)
}
