package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// DedupRetention is how long event fingerprints are remembered.
const DedupRetention = 24 * time.Hour

// Outcome is the terminal result of processing one event.
type Outcome string

const (
	OutcomeSuppressed     Outcome = "suppressed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeExhausted      Outcome = "retry_exhausted"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeLogged         Outcome = "logged"
	OutcomeResolved       Outcome = "resolved"
	OutcomeLifted         Outcome = "lifted"
)

// Suppressor is the slice of the suppression registry the classifier uses.
type Suppressor interface {
	Suppress(ctx context.Context, req suppression.SuppressRequest) (*domain.Suppression, error)
	IsSuppressed(ctx context.Context, recipient string, channel domain.Channel) (bool, error)
	LiftSource(ctx context.Context, recipient string, channel domain.Channel, source domain.SuppressionSource) (bool, error)
}

// Retrier is the slice of the retry scheduler the classifier uses.
type Retrier interface {
	State(ctx context.Context, recipient string, ch domain.Channel) (*domain.RetryState, error)
	ScheduleRetry(ctx context.Context, req retry.RetryRequest) (*domain.RetryState, error)
	Cancel(ctx context.Context, recipient string, ch domain.Channel) error
	Policy() retry.Policy
}

// Snapshots returns the last message sent to a recipient, used as the
// payload of a retry.
type Snapshots interface {
	Latest(ctx context.Context, ch domain.Channel, recipient string) (*domain.Message, error)
}

// Classifier processes failure events.
type Classifier struct {
	store      store.Store
	suppressor Suppressor
	retrier    Retrier
	snapshots  Snapshots
	now        func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSnapshots sets the message snapshot source for retry payloads.
func WithSnapshots(s Snapshots) Option { return func(c *Classifier) { c.snapshots = s } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(c *Classifier) { c.now = now } }

// NewClassifier creates a classifier that dedups through st and acts through
// supp and r.
func NewClassifier(st store.Store, supp Suppressor, r Retrier, opts ...Option) *Classifier {
	c := &Classifier{store: st, suppressor: supp, retrier: r, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dedupKey(ch domain.Channel, recipient string) string {
	return "events:" + string(ch) + ":" + recipient
}

// Process applies one event. A redelivered event returns OutcomeDuplicate
// and changes nothing.
func (c *Classifier) Process(ctx context.Context, ev domain.FailureEvent) (Outcome, error) {
	ev, err := c.normalize(ev)
	if err != nil {
		logger.Warn("dropping invalid failure event",
			"recipient", ev.Recipient, "kind", ev.Kind.String(), "provider", ev.Provider, "error", err)
		return "", err
	}

	key := dedupKey(ev.Channel, ev.Recipient)
	fp := ev.Fingerprint()
	added, err := c.store.AddMember(ctx, key, fp)
	if err != nil {
		return "", fmt.Errorf("dedup event: %w", err)
	}
	if !added {
		logger.Debug("duplicate failure event", "recipient", ev.Recipient, "fingerprint", fp)
		return OutcomeDuplicate, nil
	}
	if err := c.store.Expire(ctx, key, DedupRetention); err != nil {
		logger.Warn("could not set dedup retention", "key", key, "error", err)
	}

	if ev.Provider != "" {
		ctx = audit.WithActor(ctx, ev.Provider)
	}
	out, err := c.apply(ctx, ev)
	if err != nil {
		// forget the fingerprint so a provider redelivery can try again
		if rmErr := c.store.RemoveMember(context.WithoutCancel(ctx), key, fp); rmErr != nil {
			logger.Warn("could not forget failed event", "key", key, "error", rmErr)
		}
		return "", err
	}
	return out, nil
}

func (c *Classifier) normalize(ev domain.FailureEvent) (domain.FailureEvent, error) {
	if _, err := domain.ParseChannel(string(ev.Channel)); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	recipient, err := domain.ParseRecipient(ev.Channel, ev.Recipient)
	if err != nil {
		return ev, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ev.Recipient = recipient
	if _, err := domain.ParseEventKind(ev.Kind.String()); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if ev.Severity == domain.SeverityUnknown {
		return ev, fmt.Errorf("%w: unrecognized bounce type", ErrValidation)
	}
	if ev.Kind != domain.EventBounce && ev.Severity != domain.SeverityUnset {
		return ev, fmt.Errorf("%w: severity only applies to bounces", ErrValidation)
	}
	if ev.Kind == domain.EventBounce && ev.Severity == domain.SeverityUnset {
		logger.Warn("bounce without severity, treating as hard",
			"recipient", ev.Recipient, "provider", ev.Provider)
		ev.Severity = domain.SeverityHard
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	return ev, nil
}

func (c *Classifier) apply(ctx context.Context, ev domain.FailureEvent) (Outcome, error) {
	switch ev.Kind {
	case domain.EventBounce:
		if ev.Severity == domain.SeveritySoft {
			return c.softBounce(ctx, ev)
		}
		return c.suppress(ctx, ev, domain.ReasonHardBounce, domain.SourceBounce, suppression.Permanent())
	case domain.EventSpamReport:
		return c.suppress(ctx, ev, domain.ReasonSpamReport, domain.SourceSpam, suppression.Permanent())
	case domain.EventCarrierOptOut:
		return c.suppress(ctx, ev, domain.ReasonCarrierOptOut, domain.SourceCarrier, nil)
	case domain.EventOptOut:
		return c.suppress(ctx, ev, domain.ReasonUserOptOut, domain.SourcePolicy, nil)
	case domain.EventOptIn:
		lifted, err := c.suppressor.LiftSource(ctx, ev.Recipient, ev.Channel, domain.SourcePolicy)
		if err != nil {
			return "", fmt.Errorf("opt-in: %w", err)
		}
		if lifted {
			return OutcomeLifted, nil
		}
		return OutcomeIgnored, nil
	case domain.EventBlocked:
		logger.Warn("message blocked by provider",
			"recipient", ev.Recipient, "channel", string(ev.Channel),
			"provider", ev.Provider, "reason", ev.Reason)
		return OutcomeLogged, nil
	case domain.EventDelivered:
		_, err := c.retrier.State(ctx, ev.Recipient, ev.Channel)
		if errors.Is(err, retry.ErrNotFound) {
			return OutcomeIgnored, nil
		}
		if err != nil {
			return "", err
		}
		if err := c.retrier.Cancel(ctx, ev.Recipient, ev.Channel); err != nil {
			return "", err
		}
		logger.Info("retry resolved by delivery", "recipient", ev.Recipient, "channel", string(ev.Channel))
		return OutcomeResolved, nil
	default:
		return "", fmt.Errorf("%w: unhandled kind %s", ErrValidation, ev.Kind)
	}
}

func (c *Classifier) suppress(ctx context.Context, ev domain.FailureEvent, reason domain.SuppressionReason, source domain.SuppressionSource, ttl *time.Duration) (Outcome, error) {
	if _, err := c.suppressor.Suppress(ctx, suppression.SuppressRequest{
		Recipient: ev.Recipient,
		Channel:   ev.Channel,
		Reason:    reason,
		Source:    source,
		Detail:    ev.Reason,
		TTL:       ttl,
	}); err != nil {
		return "", fmt.Errorf("suppress: %w", err)
	}
	if err := c.retrier.Cancel(ctx, ev.Recipient, ev.Channel); err != nil {
		return "", fmt.Errorf("cancel retry: %w", err)
	}
	return OutcomeSuppressed, nil
}

func (c *Classifier) softBounce(ctx context.Context, ev domain.FailureEvent) (Outcome, error) {
	suppressed, err := c.suppressor.IsSuppressed(ctx, ev.Recipient, ev.Channel)
	if err != nil {
		return "", fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return OutcomeIgnored, nil
	}

	now := c.now().UTC()
	policy := c.retrier.Policy()
	attempts, first := 0, now
	var prev *domain.RetryState
	st, err := c.retrier.State(ctx, ev.Recipient, ev.Channel)
	switch {
	case errors.Is(err, retry.ErrNotFound):
	case err != nil:
		return "", err
	default:
		prev = st
		attempts, first = st.Attempt, st.FirstAttemptAt
	}

	failed := attempts + 1
	var reason domain.SuppressionReason
	switch {
	case failed >= policy.MaxAttempts:
		reason = domain.ReasonMaxRetries
	case now.Sub(first) > policy.RetryWindow:
		reason = domain.ReasonWindowExpired
	}
	if reason != "" {
		if _, err := c.suppress(ctx, ev, reason, domain.SourceBounce, suppression.Permanent()); err != nil {
			return "", err
		}
		logger.Warn("retries exhausted, recipient suppressed",
			"recipient", ev.Recipient, "channel", string(ev.Channel),
			"failed_deliveries", failed, "reason", string(reason))
		return OutcomeExhausted, nil
	}

	_, err = c.retrier.ScheduleRetry(ctx, retry.RetryRequest{
		Recipient:       ev.Recipient,
		Channel:         ev.Channel,
		OriginalEventID: ev.Fingerprint(),
		Payload:         c.payload(ctx, ev, prev),
		Attempt:         attempts + 1,
		Delay:           policy.Delay(attempts),
	})
	if err != nil && !errors.Is(err, retry.ErrDuplicateRetry) {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	return OutcomeRetryScheduled, nil
}

// payload picks the message a retry re-sends: the latest snapshot, then the
// previous retry's payload, then a bare message carrying only the address.
func (c *Classifier) payload(ctx context.Context, ev domain.FailureEvent, prev *domain.RetryState) domain.Message {
	if c.snapshots != nil {
		msg, err := c.snapshots.Latest(ctx, ev.Channel, ev.Recipient)
		if err == nil && msg != nil {
			return *msg
		}
		if err != nil {
			logger.Debug("no message snapshot for retry", "recipient", ev.Recipient, "error", err)
		}
	}
	if prev != nil && prev.Payload.Body != "" {
		return prev.Payload
	}
	logger.Warn("retry scheduled without message snapshot", "recipient", ev.Recipient, "channel", string(ev.Channel))
	return domain.Message{Recipient: ev.Recipient, Channel: ev.Channel}
}

// BatchResult summarizes a batch. One failing event never stops the rest.
type BatchResult struct {
	Processed  int             `json:"processed"`
	Duplicates int             `json:"duplicates"`
	Invalid    int             `json:"invalid"`
	Failed     int             `json:"failed"`
	Outcomes   map[Outcome]int `json:"outcomes"`
}

// ProcessBatch applies events in order, isolating per-event failures.
func (c *Classifier) ProcessBatch(ctx context.Context, events []domain.FailureEvent) BatchResult {
	res := BatchResult{Outcomes: make(map[Outcome]int)}
	for _, ev := range events {
		out, err := c.Process(ctx, ev)
		switch {
		case errors.Is(err, ErrValidation):
			res.Invalid++
		case err != nil:
			res.Failed++
			logger.Error("failure event processing failed",
				"recipient", ev.Recipient, "kind", ev.Kind.String(), "provider", ev.Provider, "error", err)
		case out == OutcomeDuplicate:
			res.Duplicates++
			res.Outcomes[out]++
		default:
			res.Processed++
			res.Outcomes[out]++
		}
	}
	return res
}
