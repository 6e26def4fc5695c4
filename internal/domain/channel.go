package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Channel is a delivery channel a notification can travel over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS}

// ParseChannel converts a raw string to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// E.164 allows at most 15 digits; anything shorter than 8 is a short code
// or a typo rather than a subscriber number.
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// NormalizeRecipient returns the canonical form of a recipient address for
// the channel, or "" when the address cannot be canonicalized. Emails are
// lowercased and trimmed. Phone numbers must be E.164: a leading '+' and
// 8 to 15 digits, with spaces, dots, dashes and parentheses ignored.
func NormalizeRecipient(ch Channel, recipient string) string {
	recipient = strings.TrimSpace(recipient)
	switch ch {
	case ChannelEmail:
		return strings.ToLower(recipient)
	case ChannelSMS:
		return normalizePhone(recipient)
	default:
		return recipient
	}
}

// ParseRecipient is NormalizeRecipient for writes: it reports why an address
// was rejected instead of returning "".
func ParseRecipient(ch Channel, recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", errors.New("recipient is required")
	}
	out := NormalizeRecipient(ch, recipient)
	switch ch {
	case ChannelEmail:
		local, host, ok := strings.Cut(out, "@")
		if !ok || local == "" || host == "" || strings.ContainsAny(out, " \t") || strings.Count(out, "@") != 1 {
			return "", fmt.Errorf("invalid email address %q", recipient)
		}
	case ChannelSMS:
		if out == "" {
			return "", fmt.Errorf("invalid phone number %q: want E.164, e.g. +15551234567", recipient)
		}
	}
	return out, nil
}

func normalizePhone(s string) string {
	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if digits == 0 && r == '0' {
				return ""
			}
			digits++
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return ""
		}
	}
	if !strings.HasPrefix(s, "+") || digits < minPhoneDigits || digits > maxPhoneDigits {
		return ""
	}
	return b.String()
}
