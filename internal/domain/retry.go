package domain

import "time"

// RetryState tracks the re-attempt cycle for one (recipient, channel).
// Attempt is the number of the retry most recently scheduled and only grows.
//
// Once a retry has been handed to a provider the state stays around with
// DispatchedAt set, so a later soft bounce for that send continues the count
// instead of starting a fresh cycle.
type RetryState struct {
	Recipient       string     `json:"recipient"`
	Channel         Channel    `json:"channel"`
	OriginalEventID string     `json:"original_event_id"`
	Attempt         int        `json:"attempt"`
	FirstAttemptAt  time.Time  `json:"first_attempt_at"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	DispatchedAt    *time.Time `json:"dispatched_at,omitempty"`
	Payload         Message    `json:"payload"`
}

// Due reports whether a scheduled attempt is waiting to fire at now.
func (s *RetryState) Due(now time.Time) bool {
	return s.DispatchedAt == nil && !now.Before(s.NextAttemptAt)
}

// AwaitingOutcome reports whether the latest attempt was sent and no
// delivery or bounce has been seen for it yet.
func (s *RetryState) AwaitingOutcome() bool {
	return s.DispatchedAt != nil
}
