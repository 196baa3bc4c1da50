package temporal

import (
	"time"

	"go.temporal.io/sdk/client"
)

const DefaultNamespace = "entityx"

// Queue names
const (
	QueuePipeline = "pipeline"
)

// Schedule IDs
const (
	ScheduleHourly     = "entityx:hourly"
	ScheduleDaily      = "entityx:daily"
	ScheduleCompaction = "entityx:compaction"
)

// Workflow ID patterns. Scheduled runs get the schedule's own suffix; manual
// runs use these with a timestamp.
const (
	WorkflowIDManualRun = "manual:%s:%d"
)

// OneHourSpec returns a schedule spec for one hour.
func OneHourSpec() client.ScheduleSpec {
	return GetScheduleSpec(time.Hour)
}

// OneDaySpec runs daily, offset by 30 minutes so it does not start alongside
// the hourly run.
func OneDaySpec() client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: 24 * time.Hour, Offset: 30 * time.Minute}}}
}

// OneWeekSpec returns a schedule spec for seven days.
func OneWeekSpec() client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: 7 * 24 * time.Hour, Offset: 45 * time.Minute}}}
}

// GetScheduleSpec returns a schedule spec for the given interval.
func GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}
