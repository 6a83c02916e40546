package schemas

import "time"

// TaskOutcome describes how a task left the active state.
type TaskOutcome string

const (
	OutcomeRunning   TaskOutcome = "running"
	OutcomeCompleted TaskOutcome = "completed" // The model returned no tool calls.
	OutcomeStopped   TaskOutcome = "stopped"   // Force-stopped by a controller.
	OutcomeFailed    TaskOutcome = "failed"    // Model, screenshot or turn-limit failure.
)

// TaskRecord is the journal entry for one task.
type TaskRecord struct {
	ID         string      `json:"id"`
	Prompt     string      `json:"prompt"`
	Model      string      `json:"model"`
	Outcome    TaskOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// JournalEntry is one transcript message as recorded for a task.
type JournalEntry struct {
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
