package domain

import "time"

// SuppressionReason enumerates why a recipient was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce    SuppressionReason = "hard_bounce"
	ReasonMaxRetries    SuppressionReason = "max_retries"
	ReasonWindowExpired SuppressionReason = "window_expired"
	ReasonSpamReport    SuppressionReason = "spam_report"
	ReasonUserOptOut    SuppressionReason = "user_opt_out"
	ReasonCarrierOptOut SuppressionReason = "carrier_opt_out"
	ReasonManual        SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourcePolicy  SuppressionSource = "policy"
	SourceBounce  SuppressionSource = "bounce"
	SourceSpam    SuppressionSource = "spam"
	SourceManual  SuppressionSource = "manual"
	SourceCarrier SuppressionSource = "carrier"
)

// SuppressionSources lists every known source.
var SuppressionSources = []SuppressionSource{
	SourcePolicy, SourceBounce, SourceSpam, SourceManual, SourceCarrier,
}

// Valid reports whether s is a known source.
func (s SuppressionSource) Valid() bool {
	for _, known := range SuppressionSources {
		if s == known {
			return true
		}
	}
	return false
}

// Suppression is the single active entry for a (recipient, channel) pair.
// ExpiresAt is nil for permanent suppressions.
type Suppression struct {
	Recipient string            `json:"recipient" db:"recipient"`
	Channel   Channel           `json:"channel" db:"channel"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	Detail    string            `json:"detail,omitempty" db:"detail"`
	Source    SuppressionSource `json:"source" db:"source"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
}

// Permanent reports whether the entry never expires.
func (s *Suppression) Permanent() bool {
	return s.ExpiresAt == nil
}

// ActiveAt reports whether the entry is in force at t.
func (s *Suppression) ActiveAt(t time.Time) bool {
	return s.ExpiresAt == nil || t.Before(*s.ExpiresAt)
}
