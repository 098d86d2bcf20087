package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("invalid request")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrQueueFull          = errors.New("generation queue is full")
	ErrJobFinished        = errors.New("job already finished")
	ErrBackendFailure     = errors.New("generation backend failure")
	ErrContentPolicy      = errors.New("content policy violation")
)

// ErrorKind classifies job failures for clients polling status.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindBackend       ErrorKind = "backend"
	ErrorKindContentPolicy ErrorKind = "content_policy"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
)
