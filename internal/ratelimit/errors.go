package ratelimit

import "errors"

var (
	// ErrQuotaUnavailable means the quota store could not be consulted. The
	// accompanying status always has Allowed == false.
	ErrQuotaUnavailable = errors.New("ratelimit: quota store unavailable")
	// ErrUnknownCategory is returned for a category with no configured policy.
	ErrUnknownCategory = errors.New("ratelimit: unknown category")
	// ErrInvalidSubject is returned for an empty subject ID.
	ErrInvalidSubject = errors.New("ratelimit: subject id is required")
)
