package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/canopy-network/entityx/pkg/pipeline/activity"
	"github.com/canopy-network/entityx/pkg/scoring"
	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	"go.temporal.io/sdk/workflow"
)

type HourlyOutput struct {
	AsOf       time.Time            `json:"as_of"`
	Clustering clustering.RunResult `json:"clustering"`
	Facts      int                  `json:"facts"`
	Alerts     alerts.EvalResult    `json:"alerts"`
	Failed     []string             `json:"failed,omitempty"`
}

type DailyOutput struct {
	AsOf    time.Time         `json:"as_of"`
	Labels  labels.Summary    `json:"labels"`
	Scoring scoring.RunResult `json:"scoring"`
	Failed  []string          `json:"failed,omitempty"`
}

type CompactionOutput struct {
	Compaction clustering.CompactResult `json:"compaction"`
}

// steps collects failed steps so the later ones still run. A failed step
// leaves its outputs at their previous values, which the next steps accept.
type steps struct {
	failed []string
	errs   []error
}

func (s *steps) fail(name string, err error) {
	s.failed = append(s.failed, name)
	s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
}

func (s *steps) err() error { return errors.Join(s.errs...) }

// HourlyWorkflow advances clustering to the chain head, then rebuilds alert
// facts and evaluates rules against them.
func (wc *Context) HourlyWorkflow(ctx workflow.Context, in pipeline.JobInput) (HourlyOutput, error) {
	logger := workflow.GetLogger(ctx)
	out := HourlyOutput{AsOf: asOf(ctx, in.AsOf)}
	var st steps
	ac := wc.ActivityContext

	long := wc.jobOptions(ctx, 45*time.Minute)
	short := wc.jobOptions(ctx, 5*time.Minute)

	if err := workflow.ExecuteActivity(long, ac.ClusterIncremental).Get(ctx, &out.Clustering); err != nil {
		logger.Error("Clustering step failed", "error", err.Error())
		st.fail("clustering", err)
	} else if out.Clustering.Created+out.Clustering.Archived > 0 {
		if err := workflow.ExecuteActivity(short, ac.InvalidateResolution, activity.InvalidateInput{}).Get(ctx, nil); err != nil {
			logger.Warn("Resolution invalidation failed", "error", err.Error())
		}
	}

	var facts activity.FactsOutput
	if err := workflow.ExecuteActivity(long, ac.BuildFacts, activity.AsOfInput{AsOf: out.AsOf}).Get(ctx, &facts); err != nil {
		logger.Error("Fact build step failed", "error", err.Error())
		st.fail("facts", err)
	}
	out.Facts = facts.Written

	if err := workflow.ExecuteActivity(short, ac.EvaluateAlerts).Get(ctx, &out.Alerts); err != nil {
		logger.Error("Alert evaluation step failed", "error", err.Error())
		st.fail("alerts", err)
	}

	out.Failed = st.failed
	logger.Info("Hourly pipeline completed",
		"transactions", out.Clustering.Transactions,
		"clusters_created", out.Clustering.Created,
		"facts", out.Facts,
		"alerts_created", out.Alerts.Created,
		"failed_steps", len(out.Failed))
	return out, st.err()
}

// DailyWorkflow refreshes labels from every source and rescores.
func (wc *Context) DailyWorkflow(ctx workflow.Context, in pipeline.JobInput) (DailyOutput, error) {
	logger := workflow.GetLogger(ctx)
	out := DailyOutput{AsOf: asOf(ctx, in.AsOf)}
	var st steps
	ac := wc.ActivityContext

	long := wc.jobOptions(ctx, 2*time.Hour)
	short := wc.jobOptions(ctx, 5*time.Minute)

	if err := workflow.ExecuteActivity(long, ac.RefreshLabels).Get(ctx, &out.Labels); err != nil {
		logger.Error("Label refresh step failed", "error", err.Error())
		st.fail("labels", err)
	}

	if err := workflow.ExecuteActivity(long, ac.ScoreLabels, activity.AsOfInput{AsOf: out.AsOf}).Get(ctx, &out.Scoring); err != nil {
		logger.Error("Scoring step failed", "error", err.Error())
		st.fail("scoring", err)
	} else if err := workflow.ExecuteActivity(short, ac.InvalidateResolution, activity.InvalidateInput{}).Get(ctx, nil); err != nil {
		logger.Warn("Resolution invalidation failed", "error", err.Error())
	}

	out.Failed = st.failed
	logger.Info("Daily pipeline completed",
		"label_sources", len(out.Labels.Results),
		"label_sources_failed", len(out.Labels.Failed),
		"address_scores", out.Scoring.AddressScores,
		"cluster_scores", out.Scoring.ClusterScores)
	return out, st.err()
}

// CompactionWorkflow merges small look-alike clusters.
func (wc *Context) CompactionWorkflow(ctx workflow.Context, _ pipeline.JobInput) (CompactionOutput, error) {
	logger := workflow.GetLogger(ctx)
	var out CompactionOutput
	ac := wc.ActivityContext

	if err := workflow.ExecuteActivity(wc.jobOptions(ctx, 6*time.Hour), ac.CompactClusters).Get(ctx, &out.Compaction); err != nil {
		return out, err
	}
	if out.Compaction.Merged > 0 {
		short := wc.jobOptions(ctx, 5*time.Minute)
		if err := workflow.ExecuteActivity(short, ac.InvalidateResolution, activity.InvalidateInput{}).Get(ctx, nil); err != nil {
			logger.Warn("Resolution invalidation failed", "error", err.Error())
		}
	}
	logger.Info("Cluster compaction completed",
		"examined", out.Compaction.Examined,
		"groups", out.Compaction.Groups,
		"merged", out.Compaction.Merged)
	return out, nil
}
