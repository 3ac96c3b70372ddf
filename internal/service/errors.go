package service

import "errors"

// Error kinds returned by the service. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("concurrent update conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
)
