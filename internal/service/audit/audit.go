// Package audit keeps an append-only trail of suppression registry changes:
// who suppressed or lifted which recipient, when, and why.
//
// Recording is fail-soft. A broken audit backend is logged and never blocks
// or fails the change being audited.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// Action names a recorded change.
type Action string

const (
	ActionSuppress Action = "suppress"
	ActionLift     Action = "lift"
	// ActionOptIn is a lift triggered by the recipient opting back in.
	ActionOptIn Action = "opt_in"
)

// SystemActor is recorded when the context carries no actor.
const SystemActor = "system"

// Entry is one audit record.
type Entry struct {
	ID        string                   `json:"id"`
	Action    Action                   `json:"action"`
	Actor     string                   `json:"actor"`
	Recipient string                   `json:"recipient"`
	Channel   domain.Channel           `json:"channel"`
	Reason    domain.SuppressionReason `json:"reason,omitempty"`
	Source    domain.SuppressionSource `json:"source,omitempty"`
	Detail    string                   `json:"detail,omitempty"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Channel   domain.Channel
	Recipient string
	Action    Action
	Limit     int
	Offset    int
}

// Match reports whether e passes the filter, ignoring pagination.
func (f Filter) Match(e Entry) bool {
	switch {
	case f.Channel != "" && e.Channel != f.Channel:
		return false
	case f.Recipient != "" && e.Recipient != f.Recipient:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	}
	return true
}

// Repository stores audit entries. Entries are never updated or deleted.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
}

type actorKey struct{}

// WithActor tags ctx with the party making a change, e.g. "api",
// "cli" or a webhook provider name.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

// Log records and queries audit entries.
type Log struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// NewLog creates an audit log over repo.
func NewLog(repo Repository, opts ...Option) *Log {
	l := &Log{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends e, filling ID, timestamp and actor when unset. Errors are
// logged, not returned. A nil Log records nothing.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorFrom(ctx)
	}
	// the audited change already happened; a cancelled request must not
	// lose its trail
	if err := l.repo.Append(context.WithoutCancel(ctx), e); err != nil {
		logger.Error("failed to record audit entry",
			"action", string(e.Action), "recipient", e.Recipient,
			"channel", string(e.Channel), "error", err)
		return
	}
	logger.Debug("audit entry recorded",
		"action", string(e.Action), "actor", e.Actor, "recipient", e.Recipient)
}

// Query returns matching entries, newest first. A recipient filter is
// normalized for its channel first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Recipient != "" {
		if f.Channel != "" {
			if n := domain.NormalizeRecipient(f.Channel, f.Recipient); n != "" {
				f.Recipient = n
			}
		} else {
			f.Recipient = strings.TrimSpace(f.Recipient)
		}
	}
	return l.repo.List(ctx, f)
}
