package image

import "errors"

var (
	// ErrContentPolicy marks a backend rejection of the prompt itself.
	// Callers must not retry these.
	ErrContentPolicy = errors.New("backend rejected prompt for content policy")
	// ErrUnavailable marks transport-level failures worth retrying.
	ErrUnavailable = errors.New("generation backend unavailable")
)
