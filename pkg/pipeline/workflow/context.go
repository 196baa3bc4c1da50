package workflow

import (
	"time"

	"github.com/canopy-network/entityx/pkg/pipeline/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

type Context struct {
	TaskQueue       string
	ActivityContext *activity.Context
}

// jobOptions applies the default activity options for batch jobs. Validation
// failures are never retried; store outages are retried with backoff.
func (wc *Context) jobOptions(ctx workflow.Context, timeout time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           wc.TaskQueue,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        2 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{activity.ErrTypeValidation},
		},
	})
}

func asOf(ctx workflow.Context, t time.Time) time.Time {
	if t.IsZero() {
		return workflow.Now(ctx).UTC()
	}
	return t.UTC()
}
