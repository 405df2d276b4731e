// Package events carries task lifecycle notifications from state transitions
// to subscribers on every server instance. Events are ephemeral: they are
// never persisted beyond delivery and new subscribers see no history.
package events

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSubmitted Type = "TASK_SUBMITTED"
	TypeStarted   Type = "TASK_STARTED"
	TypeProgress  Type = "TASK_PROGRESS"
	TypeCompleted Type = "TASK_COMPLETED"
	TypeFailed    Type = "TASK_FAILED"
	TypeCancelled Type = "TASK_CANCELLED"
)

type Event struct {
	Type         Type            `json:"type"`
	TaskID       string          `json:"taskId"`
	TaskType     string          `json:"taskType"`
	UserID       string          `json:"userId"`
	ParentTaskID string          `json:"parentTaskId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`

	// OriginID identifies the publishing instance so bridge echoes of our own
	// events are not delivered twice locally.
	OriginID string `json:"originId,omitempty"`
}

// Fingerprint identifies an event for the de-duplication window. Payload is
// deliberately excluded: a reconnect storm replays the same logical event
// with identical type/task/user.
func (e Event) Fingerprint() string {
	return string(e.Type) + ":" + e.TaskID + ":" + e.UserID
}

// Terminal reports whether the event announces a final task outcome.
// Terminal events are emitted even for internal task types.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeCompleted, TypeFailed, TypeCancelled:
		return true
	}
	return false
}
