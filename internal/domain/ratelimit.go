package domain

import "time"

// RateLimitStatus is the outcome of a quota check. Limit and Remaining are
// -1 for unbounded categories.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"-"`
	// Count is the number of events retained in the window before this call.
	Count int `json:"-"`
}

// ResetAtMillis returns ResetAt as epoch milliseconds.
func (s RateLimitStatus) ResetAtMillis() int64 {
	if s.ResetAt.IsZero() {
		return 0
	}
	return s.ResetAt.UnixMilli()
}

// AbuseRecord is one rate-limit violation, kept for 24 hours.
type AbuseRecord struct {
	SubjectID    string            `json:"subject_id"`
	Category     Category          `json:"category"`
	AttemptCount int               `json:"attempt_count"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
