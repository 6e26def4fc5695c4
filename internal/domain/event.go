package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind is the kind of provider feedback event.
type EventKind int

const (
	EventBounce EventKind = iota + 1
	EventSpamReport
	EventBlocked
	EventDelivered
	// EventOptOut is a recipient-initiated opt-out: an SMS STOP keyword or
	// an email unsubscribe.
	EventOptOut
	// EventOptIn is a recipient-initiated opt-in: an SMS START keyword or
	// an email group resubscribe.
	EventOptIn
	// EventCarrierOptOut is a carrier-level opt-out or unsubscribed-number
	// signal.
	EventCarrierOptOut
)

var eventKindNames = map[EventKind]string{
	EventBounce:        "bounce",
	EventSpamReport:    "spamreport",
	EventBlocked:       "blocked",
	EventDelivered:     "delivered",
	EventOptOut:        "optout",
	EventOptIn:         "optin",
	EventCarrierOptOut: "carrier_optout",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// ParseEventKind converts a webhook event name to an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range eventKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Severity of a bounce.
type Severity int

const (
	SeverityUnset Severity = iota
	SeverityHard
	SeveritySoft
	// SeverityUnknown marks a bounce whose provider-reported type was not
	// recognized. Such events are rejected rather than guessed at.
	SeverityUnknown
)

func (s Severity) String() string {
	switch s {
	case SeverityHard:
		return "hard"
	case SeveritySoft:
		return "soft"
	case SeverityUnknown:
		return "unknown"
	}
	return ""
}

// ParseSeverity converts "hard"/"soft" to a Severity. The empty string
// yields SeverityUnset; anything else yields SeverityUnknown and an error.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SeverityUnset, nil
	case "hard":
		return SeverityHard, nil
	case "soft":
		return SeveritySoft, nil
	}
	return SeverityUnknown, fmt.Errorf("unknown bounce severity %q", s)
}

// FailureEvent is a normalized provider feedback event. It is consumed by
// the bounce classifier and never persisted.
type FailureEvent struct {
	// ID is the provider's event identifier, used for redelivery dedup.
	// Optional.
	ID        string
	Recipient string
	Channel   Channel
	Kind      EventKind
	Severity  Severity
	Reason    string
	Timestamp time.Time
	// Provider names the feedback source ("sendgrid", "ses", "twilio").
	Provider string
}

// Fingerprint identifies the event for dedup. Provider event IDs win;
// otherwise kind, severity and timestamp identify a redelivery.
func (e FailureEvent) Fingerprint() string {
	if e.ID != "" {
		return e.Provider + ":" + e.ID
	}
	return fmt.Sprintf("%s:%s:%d", e.Kind, e.Severity, e.Timestamp.Unix())
}
