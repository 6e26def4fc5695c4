package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// SendRequest is one notification to deliver.
type SendRequest struct {
	SubjectID string            `json:"subject_id"`
	Recipient string            `json:"recipient"`
	Channel   domain.Channel    `json:"channel"`
	Category  domain.Category   `json:"category"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendResult describes a send attempt. Status is set whenever the quota was
// consulted, including on ErrRateLimited.
type SendResult struct {
	MessageID  string                 `json:"message_id,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
	Status     domain.RateLimitStatus `json:"quota"`
}

// Sender gates and dispatches notifications.
type Sender struct {
	limiter    Limiter
	abuse      AbuseRecorder
	suppressor SuppressionChecker
	dispatcher Dispatcher
	snapshots  *SnapshotStore
}

// NewSender wires the send gate. A nil snaps skips message snapshots.
func NewSender(l Limiter, a AbuseRecorder, s SuppressionChecker, d Dispatcher, snaps *SnapshotStore) *Sender {
	return &Sender{limiter: l, abuse: a, suppressor: s, dispatcher: d, snapshots: snaps}
}

func (r *SendRequest) normalize() error {
	ch, err := domain.ParseChannel(string(r.Channel))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	r.Channel = ch
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	if r.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrValidation)
	}
	if r.Recipient, err = domain.ParseRecipient(ch, r.Recipient); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch {
	case r.Body == "":
		return fmt.Errorf("%w: body is required", ErrValidation)
	case ch == domain.ChannelEmail && r.Subject == "":
		return fmt.Errorf("%w: subject is required for email", ErrValidation)
	}
	if _, err := domain.ParseCategory(string(r.Category)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Send runs the gate for one notification. Quota is consumed before the
// suppression check, so a suppressed send still counts against the subject.
func (r *Sender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := req.normalize(); err != nil {
		return SendResult{}, err
	}

	status, err := r.limiter.CheckAndConsume(ctx, req.SubjectID, req.Category)
	res := SendResult{Status: status}
	if err != nil {
		return res, err
	}
	if !status.Allowed {
		meta := map[string]string{"channel": string(req.Channel), "limit": strconv.Itoa(status.Limit)}
		if err := r.abuse.Record(ctx, req.SubjectID, req.Category, status.Count+1, meta); err != nil {
			logger.Warn("could not record abuse", "subject_id", req.SubjectID, "category", string(req.Category), "error", err)
		}
		return res, ErrRateLimited
	}

	suppressed, err := r.suppressor.IsSuppressed(ctx, req.Recipient, req.Channel)
	if err != nil {
		return res, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		logger.Info("send blocked, recipient suppressed",
			"recipient", req.Recipient, "channel", string(req.Channel), "category", string(req.Category))
		return res, ErrSuppressed
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		SubjectID: req.SubjectID,
		Recipient: req.Recipient,
		Channel:   req.Channel,
		Category:  req.Category,
		Subject:   req.Subject,
		Body:      req.Body,
		Metadata:  req.Metadata,
	}
	res.MessageID = msg.ID

	providerID, err := r.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		logger.Warn("dispatch failed",
			"recipient", req.Recipient, "channel", string(req.Channel), "message_id", msg.ID, "error", err)
		return res, fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	res.ProviderID = providerID

	if r.snapshots != nil {
		if err := r.snapshots.Save(context.WithoutCancel(ctx), msg); err != nil {
			logger.Warn("could not save message snapshot", "message_id", msg.ID, "error", err)
		}
	}
	logger.Info("notification sent",
		"recipient", req.Recipient, "channel", string(req.Channel),
		"category", string(req.Category), "message_id", msg.ID, "provider_id", providerID)
	return res, nil
}
