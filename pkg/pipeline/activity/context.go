package activity

import (
	"context"
	"time"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/canopy-network/entityx/pkg/scoring"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// ErrTypeValidation marks activity failures Temporal must not retry.
const ErrTypeValidation = "validation"

type LabelRunner interface {
	Run(ctx context.Context, sources ...labels.Source) (labels.Summary, error)
}

type Clusterer interface {
	Run(ctx context.Context) (clustering.RunResult, error)
	Compact(ctx context.Context) (clustering.CompactResult, error)
}

type Scorer interface {
	Run(ctx context.Context, asOf time.Time) (scoring.RunResult, error)
}

type FactRunner interface {
	Run(ctx context.Context, asOf time.Time) (int, error)
}

type AlertRunner interface {
	Run(ctx context.Context) (alerts.EvalResult, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, addresses ...string) error
}

// Context carries the job engines shared by every pipeline activity.
type Context struct {
	Logger     *zap.Logger
	Labels     LabelRunner
	Sources    []labels.Source
	Clustering Clusterer
	Scoring    Scorer
	Facts      FactRunner
	Alerts     AlertRunner
	Resolution Invalidator
}

// temporalErr turns validation failures into non-retryable application
// errors. Everything else keeps the activity retry policy.
func temporalErr(err error) error {
	if err == nil || !errs.IsValidation(err) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeValidation, err)
}
