package activity

import (
	"context"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/canopy-network/entityx/pkg/scoring"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"
)

type AsOfInput struct {
	AsOf time.Time `json:"as_of"`
}

type FactsOutput struct {
	Written int `json:"written"`
}

type InvalidateInput struct {
	// Addresses to drop; empty flushes the whole resolution cache.
	Addresses []string `json:"addresses,omitempty"`
}

// RefreshLabels fetches every configured source and normalizes it. Skipped
// sources are reported in the summary, not as an activity failure.
func (ac *Context) RefreshLabels(ctx context.Context) (labels.Summary, error) {
	start := time.Now()
	summary, err := ac.Labels.Run(ctx, ac.Sources...)
	if err != nil {
		return summary, temporalErr(err)
	}
	ac.Logger.Info("Label refresh completed",
		zap.Int("sources", len(ac.Sources)),
		zap.Int("failed", len(summary.Failed)),
		zap.Duration("duration", time.Since(start)))
	return summary, nil
}

func (ac *Context) ClusterIncremental(ctx context.Context) (clustering.RunResult, error) {
	activity.RecordHeartbeat(ctx, "clustering")
	res, err := ac.Clustering.Run(ctx)
	if err != nil {
		ac.Logger.Error("Incremental clustering failed", zap.Uint64("watermark", res.From), zap.Error(err))
		return res, temporalErr(err)
	}
	return res, nil
}

func (ac *Context) CompactClusters(ctx context.Context) (clustering.CompactResult, error) {
	activity.RecordHeartbeat(ctx, "compaction")
	res, err := ac.Clustering.Compact(ctx)
	return res, temporalErr(err)
}

func (ac *Context) ScoreLabels(ctx context.Context, in AsOfInput) (scoring.RunResult, error) {
	res, err := ac.Scoring.Run(ctx, in.AsOf)
	return res, temporalErr(err)
}

func (ac *Context) BuildFacts(ctx context.Context, in AsOfInput) (FactsOutput, error) {
	n, err := ac.Facts.Run(ctx, in.AsOf)
	if err != nil {
		return FactsOutput{}, temporalErr(err)
	}
	return FactsOutput{Written: n}, nil
}

func (ac *Context) EvaluateAlerts(ctx context.Context) (alerts.EvalResult, error) {
	res, err := ac.Alerts.Run(ctx)
	return res, temporalErr(err)
}

// InvalidateResolution drops cached resolution answers in every query process.
func (ac *Context) InvalidateResolution(ctx context.Context, in InvalidateInput) error {
	if ac.Resolution == nil {
		return nil
	}
	if err := ac.Resolution.Invalidate(ctx, in.Addresses...); err != nil {
		ac.Logger.Warn("Resolution cache invalidation failed", zap.Error(err))
		return err
	}
	return nil
}
