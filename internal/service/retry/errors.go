package retry

import "errors"

var (
	// ErrDuplicateRetry means a retry for the same or a later attempt is
	// already recorded. Callers treat it as success.
	ErrDuplicateRetry = errors.New("retry: attempt already scheduled")
	// ErrNotFound is returned when no retry state exists.
	ErrNotFound = errors.New("retry: no retry state")
	// ErrInvalidRequest is returned for malformed schedule requests.
	ErrInvalidRequest = errors.New("retry: invalid request")
)
