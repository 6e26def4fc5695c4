package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// SendGridTokenHeader carries the shared webhook secret.
const SendGridTokenHeader = "X-Sendgrid-Webhook-Token"

// SendGridEvent is one element of a SendGrid event webhook batch.
type SendGridEvent struct {
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Type      string `json:"type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	EventID   string `json:"sg_event_id,omitempty"`
	MessageID string `json:"sg_message_id,omitempty"`
	// ASMGroupID is set on group_unsubscribe and group_resubscribe.
	ASMGroupID int `json:"asm_group_id,omitempty"`
}

var sendGridKinds = map[string]domain.EventKind{
	"bounce":            domain.EventBounce,
	"spamreport":        domain.EventSpamReport,
	"blocked":           domain.EventBlocked,
	"delivered":         domain.EventDelivered,
	"unsubscribe":       domain.EventOptOut,
	"group_unsubscribe": domain.EventOptOut,
	"group_resubscribe": domain.EventOptIn,
}

// VerifySendGridToken compares the request token with the configured secret
// in constant time. An empty secret rejects everything.
func VerifySendGridToken(secret, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1
}

// ParseSendGrid decodes a webhook batch. Unsubscribes become opt-outs and
// group resubscribes opt-ins. Event types the service does not act on
// (open, click, processed...) are skipped and counted.
func ParseSendGrid(body []byte) ([]domain.FailureEvent, int, error) {
	var batch []SendGridEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	events := make([]domain.FailureEvent, 0, len(batch))
	skipped := 0
	for _, e := range batch {
		kind, ok := sendGridKinds[e.Event]
		if !ok {
			skipped++
			continue
		}
		ev := domain.FailureEvent{
			ID:        e.EventID,
			Provider:  "sendgrid",
			Recipient: e.Email,
			Channel:   domain.ChannelEmail,
			Kind:      kind,
			Reason:    e.Reason,
		}
		if e.ASMGroupID != 0 && ev.Reason == "" {
			ev.Reason = e.Event + " asm_group=" + strconv.Itoa(e.ASMGroupID)
		}
		if e.Timestamp > 0 {
			ev.Timestamp = time.Unix(e.Timestamp, 0).UTC()
		}
		if kind == domain.EventBounce {
			// an unrecognized type comes back as SeverityUnknown, which the
			// classifier rejects instead of escalating to hard
			sev, err := domain.ParseSeverity(e.Type)
			if err != nil {
				logger.Warn("unknown sendgrid bounce type", "type", e.Type, "recipient", e.Email)
			}
			ev.Severity = sev
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}
