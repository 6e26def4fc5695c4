package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
)

// DefaultTTLs are the built-in per-source lifetimes. Sources not listed are
// permanent.
var DefaultTTLs = map[domain.SuppressionSource]time.Duration{
	domain.SourcePolicy:  30 * 24 * time.Hour,
	domain.SourceCarrier: 30 * 24 * time.Hour,
}

// Auditor receives a record of every change to the registry. It must not
// block or fail the change.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo        Repository
	defaultTTLs map[domain.SuppressionSource]time.Duration
	auditor     Auditor
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultTTLs overrides the per-source default lifetimes. A zero duration
// makes that source permanent.
func WithDefaultTTLs(ttls map[domain.SuppressionSource]time.Duration) Option {
	return func(s *Service) {
		for src, d := range ttls {
			s.defaultTTLs[src] = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAudit records every suppress and lift to a.
func WithAudit(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		defaultTTLs: make(map[domain.SuppressionSource]time.Duration, len(DefaultTTLs)),
		now:         time.Now,
	}
	for src, d := range DefaultTTLs {
		s.defaultTTLs[src] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SuppressRequest describes a suppression to record. TTL nil applies the
// source's default lifetime; a zero TTL is permanent.
type SuppressRequest struct {
	Recipient string
	Channel   domain.Channel
	Reason    domain.SuppressionReason
	Source    domain.SuppressionSource
	Detail    string
	TTL       *time.Duration
}

// Permanent returns a pointer to a zero TTL, for requests that must never
// expire regardless of the source default.
func Permanent() *time.Duration {
	d := time.Duration(0)
	return &d
}

// Suppress records a suppression and returns the entry in force afterwards.
//
// At most one entry exists per (recipient, channel). An active permanent
// entry is never replaced. An active expiring entry is replaced only by one
// that is permanent or expires later. Expired entries are always replaced.
func (s *Service) Suppress(ctx context.Context, req SuppressRequest) (*domain.Suppression, error) {
	if _, err := domain.ParseChannel(string(req.Channel)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	recipient, err := domain.ParseRecipient(req.Channel, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrValidation, req.Source)
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}

	now := s.now().UTC()
	entry := &domain.Suppression{
		Recipient: recipient,
		Channel:   req.Channel,
		Reason:    req.Reason,
		Source:    req.Source,
		Detail:    req.Detail,
		CreatedAt: now,
	}
	ttl := s.defaultTTLs[req.Source]
	if req.TTL != nil {
		ttl = *req.TTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	existing, err := s.repo.Get(ctx, recipient, req.Channel)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("lookup suppression: %w", err)
	case !existing.ActiveAt(now):
	case existing.Permanent():
		return existing, nil
	case !entry.Permanent() && !entry.ExpiresAt.After(*existing.ExpiresAt):
		return existing, nil
	}

	if err := s.repo.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("store suppression: %w", err)
	}
	logger.Info("recipient suppressed",
		"recipient", recipient, "channel", string(req.Channel),
		"reason", string(req.Reason), "source", string(req.Source),
		"permanent", entry.Permanent())
	s.record(ctx, audit.Entry{
		Action:    audit.ActionSuppress,
		Recipient: recipient,
		Channel:   req.Channel,
		Reason:    req.Reason,
		Source:    req.Source,
		Detail:    req.Detail,
		ExpiresAt: entry.ExpiresAt,
	})
	return entry, nil
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	e.Timestamp = s.now().UTC()
	s.auditor.Record(ctx, e)
}

// IsSuppressed reports whether an active entry exists. Expiry is checked here
// against the clock, not left to the storage layer.
func (s *Service) IsSuppressed(ctx context.Context, recipient string, channel domain.Channel) (bool, error) {
	_, err := s.Get(ctx, recipient, channel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the active entry or ErrNotFound. An address that cannot be
// normalized can never have been stored, so it is simply not found.
func (s *Service) Get(ctx context.Context, recipient string, channel domain.Channel) (*domain.Suppression, error) {
	recipient = domain.NormalizeRecipient(channel, recipient)
	if recipient == "" {
		return nil, ErrNotFound
	}
	entry, err := s.repo.Get(ctx, recipient, channel)
	if err != nil {
		return nil, err
	}
	if !entry.ActiveAt(s.now()) {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Lift removes the entry for (recipient, channel).
func (s *Service) Lift(ctx context.Context, recipient string, channel domain.Channel) error {
	recipient = domain.NormalizeRecipient(channel, recipient)
	if recipient == "" {
		return ErrNotFound
	}
	return s.lift(ctx, recipient, channel, audit.Entry{Action: audit.ActionLift})
}

func (s *Service) lift(ctx context.Context, recipient string, channel domain.Channel, e audit.Entry) error {
	if err := s.repo.Remove(ctx, recipient, channel); err != nil {
		return err
	}
	logger.Info("suppression lifted",
		"recipient", recipient, "channel", string(channel), "action", string(e.Action))
	e.Recipient, e.Channel = recipient, channel
	s.record(ctx, e)
	return nil
}

// LiftSource removes the active entry only if it came from source. Used for
// opt-ins, which must not undo a bounce or spam suppression.
func (s *Service) LiftSource(ctx context.Context, recipient string, channel domain.Channel, source domain.SuppressionSource) (bool, error) {
	entry, err := s.Get(ctx, recipient, channel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Source != source {
		return false, nil
	}
	err = s.lift(ctx, entry.Recipient, channel, audit.Entry{
		Action: audit.ActionOptIn,
		Reason: entry.Reason,
		Source: entry.Source,
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return true, nil
}

// List returns active entries matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Suppression, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter, s.now())
}

// Stats returns aggregate counts grouped by reason and source.
type Stats struct {
	Total     int            `json:"total"`
	ByReason  map[string]int `json:"by_reason"`
	BySource  map[string]int `json:"by_source"`
	ByChannel map[string]int `json:"by_channel"`
}

// GetStats computes counts over every active entry.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByReason:  make(map[string]int),
		BySource:  make(map[string]int),
		ByChannel: make(map[string]int),
	}
	const page = 1000
	for offset := 0; ; offset += page {
		entries, err := s.repo.List(ctx, ListFilter{Limit: page, Offset: offset}, s.now())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			stats.Total++
			stats.ByReason[string(e.Reason)]++
			stats.BySource[string(e.Source)]++
			stats.ByChannel[string(e.Channel)]++
		}
		if len(entries) < page {
			return stats, nil
		}
	}
}
