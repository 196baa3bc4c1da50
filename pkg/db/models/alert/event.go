package alert

import (
	"encoding/json"
	"time"
)

// Fact is a time-stamped snapshot of one windowed entity metric.
type Fact struct {
	EntityID   string    `ch:"entity_id" json:"entity_id"`
	Metric     string    `ch:"metric" json:"metric"`
	Window     string    `ch:"fact_window" json:"window"`
	Value      float64   `ch:"value" json:"value"`
	ComputedAt time.Time `ch:"computed_at" json:"computed_at"`
}

// Status is the state of an alert event or of one channel delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusFailed }

func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusDelivered || s == StatusFailed
}

// CanTransition allows only pending -> delivered and pending -> failed.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Event is a triggered alert. Deliveries are tracked per channel.
type Event struct {
	AlertID    string          `json:"alert_id"`
	RuleID     string          `json:"rule_id"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deliveries []Delivery      `json:"deliveries,omitempty"`
}

// Delivery is the state of one channel for one event.
type Delivery struct {
	AlertID   string    `json:"alert_id"`
	Channel   string    `json:"channel"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload is the body handed to every channel.
type Payload struct {
	AlertID    string    `json:"alert_id"`
	RuleID     string    `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name,omitempty"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	ComputedAt time.Time `json:"computed_at"`
}

// Resolve derives the overall event status from its deliveries: delivered once
// every channel confirmed, failed once every unconfirmed channel gave up,
// pending otherwise.
func Resolve(deliveries []Delivery) Status {
	if len(deliveries) == 0 {
		return StatusPending
	}
	failed := false
	for _, d := range deliveries {
		switch d.Status {
		case StatusPending:
			return StatusPending
		case StatusFailed:
			failed = true
		}
	}
	if failed {
		return StatusFailed
	}
	return StatusDelivered
}
