package engine

import "time"

// Result is the outcome of one task execution.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultTimeout Result = "timeout"
)

func (r Result) Failed() bool { return r == ResultFailure || r == ResultTimeout }

// ExecutionRecord is an immutable entry of the execution log.
type ExecutionRecord struct {
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"execution_time"`
	Result     Result        `json:"result"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Target     string        `json:"target"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration,omitempty"`
	RetryCount int           `json:"retry_count"`
	Result     Result        `json:"result,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	Error      string        `json:"error,omitempty"`
}
