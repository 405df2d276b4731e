package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusRunning    TaskStatus = "running"
	StatusRetrying   TaskStatus = "retrying"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusDeadLetter TaskStatus = "dead_letter"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// ErrorInfo is the structured capture of an execution failure.
// Stack is truncated to a few frames before storage.
type ErrorInfo struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Stack   []string `json:"stack,omitempty"`
}

type Task struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	ParentID      *uuid.UUID      `json:"parent_id,omitempty"`
	Status        TaskStatus      `json:"status"`
	Parameters    json.RawMessage `json:"parameters"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorInfo     *ErrorInfo      `json:"error_info,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ExecNodeID    string          `json:"execution_node_id,omitempty"`

	// SubtaskSummary maps child status -> count. Maintained incrementally by
	// child transitions, never recomputed by scanning children. Counts sum to
	// the number of children ever created.
	SubtaskSummary map[TaskStatus]int `json:"subtask_summary,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is an idempotent ledger operation keyed by token.
type Reservation struct {
	Token       string            `json:"token"`
	UserID      string            `json:"user_id"`
	Amount      int64             `json:"amount"`
	FinalAmount *int64            `json:"final_amount,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Feature     string            `json:"feature,omitempty"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}
