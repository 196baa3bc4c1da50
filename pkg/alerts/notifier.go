package alerts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DeliveryStore records channel outcomes and finalizes events.
type DeliveryStore interface {
	UpdateDelivery(ctx context.Context, d alert.Delivery) error
	FinalizeEvent(ctx context.Context, alertID string, status alert.Status, at time.Time) (bool, error)
}

// StreamWriter is the best-effort stream append used for the failed and
// events feeds.
type StreamWriter interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// Notifier delivers events to their channels and moves them to a terminal
// status once every channel has an outcome.
type Notifier struct {
	store      DeliveryStore
	deliverers map[alert.ChannelKind]Deliverer
	streams    StreamWriter
	limiters   *xsync.Map[string, *rate.Limiter]
	cfg        config.Alerts
	retry      retry.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	clock      clockwork.Clock
}

func NewNotifier(st DeliveryStore, deliverers map[alert.ChannelKind]Deliverer, streams StreamWriter, cfg config.Alerts, logger *zap.Logger, m *metrics.Metrics, clock clockwork.Clock) *Notifier {
	if m == nil {
		m = metrics.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	policy := retry.SourceConfig()
	if cfg.DeliveryRetries > 0 {
		policy.MaxRetries = cfg.DeliveryRetries
	}
	return &Notifier{
		store:      st,
		deliverers: deliverers,
		streams:    streams,
		limiters:   xsync.NewMap[string, *rate.Limiter](),
		cfg:        cfg,
		retry:      policy,
		logger:     logger,
		metrics:    m,
		clock:      clock,
	}
}

// WithRetry overrides the per-channel retry policy.
func (n *Notifier) WithRetry(cfg retry.Config) *Notifier {
	n.retry = cfg
	return n
}

// Deliver attempts every pending channel of ev once through the retry policy,
// then finalizes the event when all channels have an outcome. Terminal events
// are returned unchanged.
func (n *Notifier) Deliver(ctx context.Context, ev alert.Event) (alert.Status, error) {
	if ev.Status.Terminal() {
		return ev.Status, nil
	}

	deliveries := make([]alert.Delivery, len(ev.Deliveries))
	copy(deliveries, ev.Deliveries)
	for i := range deliveries {
		if deliveries[i].Status != alert.StatusPending {
			continue
		}
		if ctx.Err() != nil {
			return alert.StatusPending, ctx.Err()
		}
		d := n.deliverOne(ctx, ev, deliveries[i])
		if ctx.Err() != nil {
			// leave it pending for the next re-drive
			return alert.StatusPending, ctx.Err()
		}
		if err := n.store.UpdateDelivery(ctx, d); err != nil {
			return alert.StatusPending, fmt.Errorf("record delivery %s: %w", d.Channel, err)
		}
		deliveries[i] = d
	}

	status := alert.Resolve(deliveries)
	if !status.Terminal() {
		return status, nil
	}
	changed, err := n.store.FinalizeEvent(ctx, ev.AlertID, status, n.clock.Now().UTC())
	if err != nil {
		return alert.StatusPending, fmt.Errorf("finalize event %s: %w", ev.AlertID, err)
	}
	if !changed {
		return status, nil
	}

	values := map[string]interface{}{
		"alert_id":  ev.AlertID,
		"rule_id":   ev.RuleID,
		"entity_id": ev.EntityID,
		"status":    string(status),
		"payload":   string(ev.Payload),
	}
	if status == alert.StatusFailed {
		n.metrics.DeliveryFailures.WithLabelValues(failedChannels(deliveries)).Inc()
		n.logger.Error("alert delivery failed",
			zap.String("alert_id", ev.AlertID),
			zap.String("rule_id", ev.RuleID),
			zap.String("entity_id", ev.EntityID),
			zap.Any("deliveries", deliveries))
		if n.streams != nil && n.cfg.FailedStream != "" {
			n.streams.XAdd(ctx, n.cfg.FailedStream, values)
		}
	}
	if n.streams != nil && n.cfg.EventsStream != "" {
		n.streams.XAdd(ctx, n.cfg.EventsStream, values)
	}
	return status, nil
}

func (n *Notifier) deliverOne(ctx context.Context, ev alert.Event, d alert.Delivery) alert.Delivery {
	d.AlertID = ev.AlertID
	fail := func(err error) alert.Delivery {
		d.Status = alert.StatusFailed
		d.LastError = err.Error()
		d.UpdatedAt = n.clock.Now().UTC()
		n.metrics.Deliveries.WithLabelValues(channelKind(d.Channel), string(alert.StatusFailed)).Inc()
		n.logger.Warn("alert channel gave up",
			zap.String("alert_id", ev.AlertID),
			zap.String("channel", d.Channel),
			zap.Int("attempts", d.Attempts),
			zap.Error(err))
		return d
	}

	ch, err := alert.ParseChannel(d.Channel)
	if err != nil {
		return fail(err)
	}
	deliverer, ok := n.deliverers[ch.Kind]
	if !ok {
		return fail(fmt.Errorf("no deliverer for %s channels", ch.Kind))
	}
	limiter := n.limiter(ch.String())

	err = retry.WithBackoff(ctx, n.retry, n.logger, "deliver "+ch.String(), func() error {
		if err := limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		d.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
		defer cancel()
		return deliverer.Deliver(attemptCtx, ch, ev.Payload)
	})
	if err != nil {
		return fail(err)
	}

	d.Status = alert.StatusDelivered
	d.LastError = ""
	d.UpdatedAt = n.clock.Now().UTC()
	n.metrics.Deliveries.WithLabelValues(string(ch.Kind), string(alert.StatusDelivered)).Inc()
	return d
}

// limiter returns the shared limiter of one channel destination.
func (n *Notifier) limiter(key string) *rate.Limiter {
	l, _ := n.limiters.Compute(key, func(old *rate.Limiter, loaded bool) (*rate.Limiter, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		if n.cfg.ChannelRate <= 0 {
			return rate.NewLimiter(rate.Inf, 1), xsync.UpdateOp
		}
		burst := int(math.Max(1, math.Ceil(n.cfg.ChannelRate)))
		return rate.NewLimiter(rate.Limit(n.cfg.ChannelRate), burst), xsync.UpdateOp
	})
	return l
}

func channelKind(raw string) string {
	ch, err := alert.ParseChannel(raw)
	if err != nil {
		return "invalid"
	}
	return string(ch.Kind)
}

// failedChannels labels a failure by the first failed channel kind.
func failedChannels(deliveries []alert.Delivery) string {
	for _, d := range deliveries {
		if d.Status == alert.StatusFailed {
			return channelKind(d.Channel)
		}
	}
	return "unknown"
}
