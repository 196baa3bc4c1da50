package alert

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/errs"
)

// Metric is a windowed entity metric produced by the fact builder.
type Metric string

const (
	MetricInflow1h          Metric = "inflow_1h"
	MetricInflow24h         Metric = "inflow_24h"
	MetricOutflow24h        Metric = "outflow_24h"
	MetricNetFlow24h        Metric = "net_flow_24h"
	MetricOutflowSpikeVs30d Metric = "outflow_spike_vs_30d"
)

type metricParts struct {
	base   string
	window string
}

var metricTable = map[Metric]metricParts{
	MetricInflow1h:          {"inflow", "1h"},
	MetricInflow24h:         {"inflow", "24h"},
	MetricOutflow24h:        {"outflow", "24h"},
	MetricNetFlow24h:        {"net_flow", "24h"},
	MetricOutflowSpikeVs30d: {"outflow_spike", "30d"},
}

// Metrics lists every metric in a fixed order.
func Metrics() []Metric {
	return []Metric{MetricInflow1h, MetricInflow24h, MetricOutflow24h, MetricNetFlow24h, MetricOutflowSpikeVs30d}
}

func (m Metric) IsValid() bool {
	_, ok := metricTable[m]
	return ok
}

// Base is the metric column value stored with a fact ("inflow").
func (m Metric) Base() string { return metricTable[m].base }

// Window is the window column value stored with a fact ("24h").
func (m Metric) Window() string { return metricTable[m].window }

// MetricFor maps a stored (metric, window) pair back to its Metric.
func MetricFor(base, window string) (Metric, bool) {
	for m, parts := range metricTable {
		if parts.base == base && parts.window == window {
			return m, true
		}
	}
	return "", false
}

// ChannelKind is the transport part of a channel string.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelSlack   ChannelKind = "slack"
	ChannelStream  ChannelKind = "stream"
)

// Channel is a parsed "kind:target" delivery destination.
type Channel struct {
	Kind   ChannelKind
	Target string
}

func (c Channel) String() string { return string(c.Kind) + ":" + c.Target }

// ParseChannel parses "webhook:https://...", "slack:#room" or "stream:name".
func ParseChannel(raw string) (Channel, error) {
	kind, target, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(target) == "" {
		return Channel{}, errs.Validation("channel", raw, "expected kind:target")
	}
	c := Channel{Kind: ChannelKind(strings.ToLower(kind)), Target: strings.TrimSpace(target)}
	switch c.Kind {
	case ChannelWebhook:
		if !strings.HasPrefix(c.Target, "http://") && !strings.HasPrefix(c.Target, "https://") {
			return Channel{}, errs.Validation("channel", raw, "webhook target must be an http(s) URL")
		}
	case ChannelSlack, ChannelStream:
	default:
		return Channel{}, errs.Validation("channel", raw, "unknown channel kind")
	}
	return c, nil
}

// Rule is a user-defined alert rule.
type Rule struct {
	RuleID       string    `json:"rule_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Metric       Metric    `json:"metric"`
	Threshold    float64   `json:"threshold"`
	EntityFilter *string   `json:"entity_filter,omitempty"`
	Channels     []string  `json:"channels"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the user supplied fields of a rule.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errs.Validation("user_id", "", "required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errs.Validation("name", "", "required")
	}
	if !r.Metric.IsValid() {
		return errs.Validation("metric", string(r.Metric), "unknown metric")
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return errs.Validation("threshold", fmt.Sprint(r.Threshold), "must be finite")
	}
	if r.EntityFilter != nil && strings.TrimSpace(*r.EntityFilter) == "" {
		return errs.Validation("entity_filter", "", "must not be blank when set")
	}
	if len(r.Channels) == 0 {
		return errs.Validation("channels", "", "at least one channel is required")
	}
	seen := make(map[string]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		if _, err := ParseChannel(ch); err != nil {
			return err
		}
		if _, dup := seen[ch]; dup {
			return errs.Validation("channels", ch, "duplicate channel")
		}
		seen[ch] = struct{}{}
	}
	return nil
}

// Matches reports whether an entity passes the rule's optional filter.
func (r Rule) Matches(entityID string) bool {
	return r.EntityFilter == nil || *r.EntityFilter == entityID
}
