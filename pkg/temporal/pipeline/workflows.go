package pipeline

// Pipeline workflow names
const (
	HourlyWorkflowName     = "HourlyWorkflow"
	DailyWorkflowName      = "DailyWorkflow"
	CompactionWorkflowName = "CompactionWorkflow"
)

// Jobs maps the job names accepted by the CLI to their workflow.
var Jobs = map[string]string{
	"hourly":     HourlyWorkflowName,
	"daily":      DailyWorkflowName,
	"compaction": CompactionWorkflowName,
}
