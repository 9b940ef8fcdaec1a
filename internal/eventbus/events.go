package eventbus

import "time"

// Event types published by the scheduler and the agent registry.
const (
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobRetry     = "job.retry"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"

	AgentExecuted = "agent.executed"
)

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   string        `json:"priority"`
	Worker     string        `json:"worker,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// AgentEvent is the payload of agent.executed.
type AgentEvent struct {
	Name        string        `json:"name"`
	ExecutionID string        `json:"execution_id"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}
