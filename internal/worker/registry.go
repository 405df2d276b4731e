package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// ProgressFunc lets a handler report intermediate progress. Reports are
// best-effort; a stale report after the attempt was superseded is dropped.
type ProgressFunc func(ctx context.Context, progress json.RawMessage) error

// Handler executes one task attempt and returns the task result.
type Handler func(ctx context.Context, task *store.Task, report ProgressFunc) (json.RawMessage, error)

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// PermanentError marks an error that should NOT be retried.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}
