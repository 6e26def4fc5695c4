package bounce

import "errors"

// ErrValidation marks an event that can never be processed. Such events are
// dropped and logged, not retried.
var ErrValidation = errors.New("bounce: invalid event")
