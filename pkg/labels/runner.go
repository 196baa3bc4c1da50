package labels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/retry"
	"go.uber.org/zap"
)

// SourceFailure flags a source skipped in a run.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Summary is the outcome of one run across sources.
type Summary struct {
	Results []Result        `json:"results"`
	Failed  []SourceFailure `json:"failed,omitempty"`
}

// Runner fetches sources concurrently and normalizes each one independently.
type Runner struct {
	normalizer *Normalizer
	retry      retry.Config
	workers    int
}

// NewRunner builds a runner with the source retry policy.
func NewRunner(n *Normalizer, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{normalizer: n, retry: retry.SourceConfig(), workers: workers}
}

// WithRetry overrides the per-source retry policy.
func (r *Runner) WithRetry(cfg retry.Config) *Runner {
	r.retry = cfg
	return r
}

// Run processes every source. A failing source is retried, then skipped and
// listed in Summary.Failed; it never stops the others. The returned error is
// non-nil only when ctx ends.
func (r *Runner) Run(ctx context.Context, sources ...Source) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
	)
	fail := func(name string, err error) {
		r.normalizer.metrics.LabelSourceFailures.WithLabelValues(name).Inc()
		r.normalizer.logger.Error("label source skipped", zap.String("source", name), zap.Error(err))
		mu.Lock()
		summary.Failed = append(summary.Failed, SourceFailure{Source: name, Error: err.Error()})
		mu.Unlock()
	}

	pool := pond.NewPool(r.workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, src := range sources {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			res, err := r.runSource(groupCtx, src)
			if err != nil {
				fail(src.Name(), err)
				return
			}
			mu.Lock()
			summary.Results = append(summary.Results, res)
			mu.Unlock()
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	sort.Slice(summary.Results, func(i, j int) bool { return summary.Results[i].Source < summary.Results[j].Source })
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i].Source < summary.Failed[j].Source })
	return summary, nil
}

func (r *Runner) runSource(ctx context.Context, src Source) (Result, error) {
	logger := r.normalizer.logger.With(zap.String("source", src.Name()))

	var labels []entity.RawLabel
	err := retry.WithBackoff(ctx, r.retry, logger, "fetch_labels_"+src.Name(), func() error {
		fetched, ferr := src.Fetch(ctx)
		if ferr != nil {
			return ferr
		}
		labels = fetched
		return nil
	})
	if err != nil {
		return Result{}, errs.Dependency("label_source:"+src.Name(), err)
	}

	now := r.normalizer.clock.Now().UTC()
	for i := range labels {
		if labels[i].SourceName == "" {
			labels[i].SourceName = src.Name()
		}
		if labels[i].IngestedAt.IsZero() {
			labels[i].IngestedAt = now
		}
	}

	if err := retry.WithBackoff(ctx, r.retry, logger, "store_raw_labels", func() error {
		return r.normalizer.store.InsertRawLabels(ctx, labels)
	}); err != nil {
		return Result{}, errs.Dependency("clickhouse", fmt.Errorf("append raw labels: %w", err))
	}

	var res Result
	err = retry.WithBackoff(ctx, r.retry, logger, "normalize_labels", func() error {
		var nerr error
		res, nerr = r.normalizer.Normalize(ctx, src.Name(), labels)
		return nerr
	})
	return res, err
}
