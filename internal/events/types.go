package events

// Job lifecycle event types.
const (
	JobSubmitted = "job.submitted"
	JobStarted   = "job.started"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobRecovered = "job.recovered"
	JobEvicted   = "job.evicted"
)

// JobEvent is the payload published for every job lifecycle event.
type JobEvent struct {
	JobID      string `json:"job_id"`
	Command    string `json:"command,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}
