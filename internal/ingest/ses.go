package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// SNSEnvelope is the wrapper SNS puts around every HTTP or SQS delivery.
type SNSEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`

	Subject          string `json:"Subject,omitempty"`
	Token            string `json:"Token,omitempty"`
	SignatureVersion string `json:"SignatureVersion,omitempty"`
	Signature        string `json:"Signature,omitempty"`
	SigningCertURL   string `json:"SigningCertURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

type sesMail struct {
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// SESNotification covers both the notification and event-publishing
// formats; one of NotificationType and EventType is set.
type SESNotification struct {
	NotificationType string  `json:"notificationType"`
	EventType        string  `json:"eventType"`
	Mail             sesMail `json:"mail"`
	Bounce           *struct {
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         string         `json:"timestamp"`
		FeedbackID        string         `json:"feedbackId"`
	} `json:"bounce,omitempty"`
	Complaint *struct {
		ComplainedRecipients  []sesRecipient `json:"complainedRecipients"`
		Timestamp             string         `json:"timestamp"`
		FeedbackID            string         `json:"feedbackId"`
		ComplaintFeedbackType string         `json:"complaintFeedbackType"`
	} `json:"complaint,omitempty"`
	Delivery *struct {
		Recipients []string `json:"recipients"`
		Timestamp  string   `json:"timestamp"`
	} `json:"delivery,omitempty"`
}

func (n SESNotification) kind() string {
	if n.NotificationType != "" {
		return n.NotificationType
	}
	return n.EventType
}

// ParseSNSEnvelope decodes an SNS wrapper.
func ParseSNSEnvelope(body []byte) (SNSEnvelope, error) {
	var env SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: not an SNS message", ErrMalformed)
	}
	return env, nil
}

func parseSESTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ParseSES converts one SES notification into events, one per recipient.
// Permanent bounces are hard; transient and undetermined are soft; any
// other bounce type is marked unknown and rejected downstream.
func ParseSES(message []byte) ([]domain.FailureEvent, error) {
	var n SESNotification
	if err := json.Unmarshal(message, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var events []domain.FailureEvent
	base := domain.FailureEvent{Provider: "ses", Channel: domain.ChannelEmail}

	switch n.kind() {
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("%w: bounce notification without bounce body", ErrMalformed)
		}
		var sev domain.Severity
		switch n.Bounce.BounceType {
		case "Permanent":
			sev = domain.SeverityHard
		case "Transient", "Undetermined":
			sev = domain.SeveritySoft
		default:
			sev = domain.SeverityUnknown
		}
		for _, r := range n.Bounce.BouncedRecipients {
			ev := base
			ev.ID = n.Bounce.FeedbackID + ":" + r.EmailAddress
			ev.Recipient = r.EmailAddress
			ev.Kind = domain.EventBounce
			ev.Severity = sev
			ev.Reason = strings.TrimSpace(n.Bounce.BounceSubType + " " + r.DiagnosticCode)
			ev.Timestamp = parseSESTime(n.Bounce.Timestamp)
			events = append(events, ev)
		}
	case "Complaint":
		if n.Complaint == nil {
			return nil, fmt.Errorf("%w: complaint notification without complaint body", ErrMalformed)
		}
		for _, r := range n.Complaint.ComplainedRecipients {
			ev := base
			ev.ID = n.Complaint.FeedbackID + ":" + r.EmailAddress
			ev.Recipient = r.EmailAddress
			ev.Kind = domain.EventSpamReport
			ev.Reason = n.Complaint.ComplaintFeedbackType
			ev.Timestamp = parseSESTime(n.Complaint.Timestamp)
			events = append(events, ev)
		}
	case "Delivery":
		if n.Delivery == nil {
			return nil, fmt.Errorf("%w: delivery notification without delivery body", ErrMalformed)
		}
		for _, r := range n.Delivery.Recipients {
			ev := base
			ev.ID = n.Mail.MessageID + ":delivery:" + r
			ev.Recipient = r
			ev.Kind = domain.EventDelivered
			ev.Timestamp = parseSESTime(n.Delivery.Timestamp)
			events = append(events, ev)
		}
	}
	return events, nil
}
