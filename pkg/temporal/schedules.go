package temporal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Schedule is one timer-triggered pipeline job.
type Schedule struct {
	ID       string
	Workflow string
	Spec     client.ScheduleSpec
	Timeout  time.Duration
}

// PipelineSchedules lists the batch jobs: hourly clustering, facts and
// alerts; daily labels and scoring; weekly compaction.
func PipelineSchedules() []Schedule {
	return []Schedule{
		{ID: ScheduleHourly, Workflow: pipeline.HourlyWorkflowName, Spec: OneHourSpec(), Timeout: 55 * time.Minute},
		{ID: ScheduleDaily, Workflow: pipeline.DailyWorkflowName, Spec: OneDaySpec(), Timeout: 6 * time.Hour},
		{ID: ScheduleCompaction, Workflow: pipeline.CompactionWorkflowName, Spec: OneWeekSpec(), Timeout: 12 * time.Hour},
	}
}

// EnsureSchedules creates missing schedules and rewrites the spec of those
// whose interval drifted. Existing pause state is left alone.
func EnsureSchedules(ctx context.Context, sc client.ScheduleClient, queue string, schedules []Schedule, logger *zap.Logger) error {
	var failed []error
	for _, s := range schedules {
		if err := ensureSchedule(ctx, sc, queue, s, logger); err != nil {
			failed = append(failed, fmt.Errorf("schedule %s: %w", s.ID, err))
		}
	}
	return errors.Join(failed...)
}

func ensureSchedule(ctx context.Context, sc client.ScheduleClient, queue string, s Schedule, logger *zap.Logger) error {
	h := sc.GetHandle(ctx, s.ID)
	desc, err := h.Describe(ctx)
	if err == nil {
		if desc.Schedule.Spec != nil && sameIntervals(desc.Schedule.Spec.Intervals, s.Spec.Intervals) {
			logger.Debug("Schedule up to date", zap.String("id", s.ID))
			return nil
		}
		logger.Info("Updating schedule spec", zap.String("id", s.ID))
		spec := s.Spec
		return h.Update(ctx, client.ScheduleUpdateOptions{
			DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
				updated := in.Description.Schedule
				updated.Spec = &spec
				return &client.ScheduleUpdate{Schedule: &updated}, nil
			},
		})
	}

	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return err
	}

	logger.Info("Creating schedule", zap.String("id", s.ID), zap.String("workflow", s.Workflow))
	_, err = sc.Create(ctx, client.ScheduleOptions{
		ID:      s.ID,
		Spec:    s.Spec,
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:                       s.ID,
			Workflow:                 s.Workflow,
			Args:                     []interface{}{pipeline.JobInput{}},
			TaskQueue:                queue,
			WorkflowExecutionTimeout: s.Timeout,
			WorkflowTaskTimeout:      time.Minute,
		},
	})
	return err
}

func sameIntervals(a, b []client.ScheduleIntervalSpec) bool {
	return slices.Equal(a, b)
}
