package notify

import "errors"

var (
	// ErrValidation is returned for malformed send requests.
	ErrValidation = errors.New("notify: invalid request")
	// ErrRateLimited means the subject's quota for the category is spent.
	// The SendResult carries the quota status.
	ErrRateLimited = errors.New("notify: rate limited")
	// ErrSuppressed means the recipient is on the suppression list. No
	// provider call was made.
	ErrSuppressed = errors.New("notify: recipient suppressed")
	// ErrProviderRejected wraps a dispatch failure.
	ErrProviderRejected = errors.New("notify: provider rejected message")
)
