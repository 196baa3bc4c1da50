package pipeline

import "time"

// Input types for triggering workflows from other apps

// JobInput starts a pipeline workflow. A zero AsOf means the workflow's own
// start time.
type JobInput struct {
	AsOf time.Time `json:"as_of,omitempty"`
}
