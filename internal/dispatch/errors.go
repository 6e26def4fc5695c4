package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider is returned when no dispatcher is registered for the
	// message's channel.
	ErrNoProvider = errors.New("dispatch: no provider for channel")
	// ErrInvalidMessage is returned for messages missing required fields.
	ErrInvalidMessage = errors.New("dispatch: invalid message")
)

// ProviderError is a non-2xx answer from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d: %s (code %s)", e.Provider, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the provider may accept the same request later.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
