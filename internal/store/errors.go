package store

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("status conflict")
	ErrAlreadyExists = errors.New("already exists")

	ErrInsufficientCredits = errors.New("insufficient credits")
)
