package ingest

import "errors"

var (
	// ErrMalformed is returned for payloads that cannot be parsed.
	ErrMalformed = errors.New("ingest: malformed payload")
	// ErrUnauthorized is returned when a webhook fails authentication.
	ErrUnauthorized = errors.New("ingest: unauthorized")
)
