package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/canopy-network/entityx/pkg/pipeline/activity"
	"github.com/canopy-network/entityx/pkg/scoring"
	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"
)

type fakeJobs struct {
	clusterRes   clustering.RunResult
	clusterErr   error
	clusterCalls int
	compactRes   clustering.CompactResult
	factsAsOf    time.Time
	factsErr     error
	alertsCalls  int
	scoreAsOf    time.Time
	invalidated  int
}

func (f *fakeJobs) Run(context.Context) (clustering.RunResult, error) {
	f.clusterCalls++
	return f.clusterRes, f.clusterErr
}

func (f *fakeJobs) Compact(context.Context) (clustering.CompactResult, error) {
	return f.compactRes, nil
}

type factsFunc func(context.Context, time.Time) (int, error)

func (fn factsFunc) Run(ctx context.Context, asOf time.Time) (int, error) { return fn(ctx, asOf) }

type scoreFunc func(context.Context, time.Time) (scoring.RunResult, error)

func (fn scoreFunc) Run(ctx context.Context, asOf time.Time) (scoring.RunResult, error) {
	return fn(ctx, asOf)
}

type alertsFunc func(context.Context) (alerts.EvalResult, error)

func (fn alertsFunc) Run(ctx context.Context) (alerts.EvalResult, error) { return fn(ctx) }

type labelsFunc func(context.Context, ...labels.Source) (labels.Summary, error)

func (fn labelsFunc) Run(ctx context.Context, sources ...labels.Source) (labels.Summary, error) {
	return fn(ctx, sources...)
}

func (f *fakeJobs) Invalidate(context.Context, ...string) error {
	f.invalidated++
	return nil
}

func newEnv(t *testing.T, f *fakeJobs) (*testsuite.TestWorkflowEnvironment, *Context) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	ac := &activity.Context{
		Logger:     zaptest.NewLogger(t),
		Clustering: f,
		Resolution: f,
		Facts: factsFunc(func(_ context.Context, asOf time.Time) (int, error) {
			f.factsAsOf = asOf
			return 12, f.factsErr
		}),
		Alerts: alertsFunc(func(context.Context) (alerts.EvalResult, error) {
			f.alertsCalls++
			return alerts.EvalResult{Rules: 2, Created: 1}, nil
		}),
		Scoring: scoreFunc(func(_ context.Context, asOf time.Time) (scoring.RunResult, error) {
			f.scoreAsOf = asOf
			return scoring.RunResult{AddressScores: 4, ClusterScores: 1}, nil
		}),
		Labels: labelsFunc(func(context.Context, ...labels.Source) (labels.Summary, error) {
			return labels.Summary{Failed: []labels.SourceFailure{{Source: "broken", Error: "timeout"}}}, nil
		}),
	}
	wc := &Context{TaskQueue: "pipeline", ActivityContext: ac}

	env.RegisterWorkflow(wc.HourlyWorkflow)
	env.RegisterWorkflow(wc.DailyWorkflow)
	env.RegisterWorkflow(wc.CompactionWorkflow)
	env.RegisterActivity(ac.ClusterIncremental)
	env.RegisterActivity(ac.CompactClusters)
	env.RegisterActivity(ac.BuildFacts)
	env.RegisterActivity(ac.EvaluateAlerts)
	env.RegisterActivity(ac.ScoreLabels)
	env.RegisterActivity(ac.RefreshLabels)
	env.RegisterActivity(ac.InvalidateResolution)
	return env, wc
}

var asOf0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestHourlyWorkflowRunsEveryStep(t *testing.T) {
	f := &fakeJobs{clusterRes: clustering.RunResult{From: 10, To: 20, Created: 2}}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.HourlyWorkflow, pipeline.JobInput{AsOf: asOf0})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out HourlyOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 12, out.Facts)
	assert.Equal(t, 1, out.Alerts.Created)
	assert.Equal(t, uint64(20), out.Clustering.To)
	assert.Empty(t, out.Failed)
	assert.True(t, f.factsAsOf.Equal(asOf0))
	assert.Equal(t, 1, f.invalidated)
}

func TestHourlyWorkflowSkipsInvalidationWithoutClusterChanges(t *testing.T) {
	f := &fakeJobs{}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.HourlyWorkflow, pipeline.JobInput{AsOf: asOf0})
	require.NoError(t, env.GetWorkflowError())
	assert.Zero(t, f.invalidated)
}

func TestHourlyWorkflowContinuesPastFailedClustering(t *testing.T) {
	f := &fakeJobs{clusterErr: errs.Dependency("clickhouse", errors.New("connection refused"))}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.HourlyWorkflow, pipeline.JobInput{AsOf: asOf0})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clustering")

	assert.Equal(t, 3, f.clusterCalls)
	assert.Equal(t, 1, f.alertsCalls)
	assert.True(t, f.factsAsOf.Equal(asOf0))
}

func TestHourlyWorkflowDoesNotRetryValidationErrors(t *testing.T) {
	f := &fakeJobs{clusterErr: errs.Validation("height", "12", "watermark ahead of head")}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.HourlyWorkflow, pipeline.JobInput{AsOf: asOf0})
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, f.clusterCalls)
}

func TestDailyWorkflow(t *testing.T) {
	f := &fakeJobs{}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.DailyWorkflow, pipeline.JobInput{AsOf: asOf0})
	require.NoError(t, env.GetWorkflowError())

	var out DailyOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 4, out.Scoring.AddressScores)
	require.Len(t, out.Labels.Failed, 1)
	assert.Equal(t, "broken", out.Labels.Failed[0].Source)
	assert.True(t, f.scoreAsOf.Equal(asOf0))
	assert.Equal(t, 1, f.invalidated)
}

func TestDailyWorkflowDefaultsAsOfToWorkflowTime(t *testing.T) {
	f := &fakeJobs{}
	env, wc := newEnv(t, f)
	env.SetStartTime(asOf0)

	env.ExecuteWorkflow(wc.DailyWorkflow, pipeline.JobInput{})
	require.NoError(t, env.GetWorkflowError())
	assert.True(t, f.scoreAsOf.Equal(asOf0), "got %s", f.scoreAsOf)
}

func TestCompactionWorkflow(t *testing.T) {
	f := &fakeJobs{compactRes: clustering.CompactResult{Examined: 9, Groups: 2, Merged: 5}}
	env, wc := newEnv(t, f)

	env.ExecuteWorkflow(wc.CompactionWorkflow, pipeline.JobInput{})
	require.NoError(t, env.GetWorkflowError())

	var out CompactionOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 5, out.Compaction.Merged)
	assert.Equal(t, 1, f.invalidated)
}
