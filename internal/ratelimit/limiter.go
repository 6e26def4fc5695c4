package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// Limiter is a sliding-window quota check over a shared store.
type Limiter struct {
	store    store.Store
	policies map[domain.Category]domain.QuotaPolicy
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for simulated-time tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter. Categories missing from policies fall back to
// the default policy of their class.
func NewLimiter(s store.Store, policies map[domain.Category]domain.QuotaPolicy, opts ...Option) *Limiter {
	merged := make(map[domain.Category]domain.QuotaPolicy, len(domain.Categories))
	for _, c := range domain.Categories {
		class, _ := c.Class()
		merged[c] = domain.DefaultPolicy(class)
	}
	for c, p := range policies {
		merged[c] = p
	}
	l := &Limiter{store: s, policies: merged, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the effective policy for a category.
func (l *Limiter) Policy(category domain.Category) (domain.QuotaPolicy, error) {
	p, ok := l.policies[category]
	if !ok {
		return domain.QuotaPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return p, nil
}

func windowKey(subjectID string, category domain.Category) string {
	return "limit:" + subjectID + ":" + string(category)
}

// CheckAndConsume admits or rejects one send for (subjectID, category) and,
// when admitted, records it in the window. Count and insert happen in one
// store round trip so concurrent callers cannot both take the last slot.
func (l *Limiter) CheckAndConsume(ctx context.Context, subjectID string, category domain.Category) (domain.RateLimitStatus, error) {
	if subjectID == "" {
		return domain.RateLimitStatus{}, ErrInvalidSubject
	}
	p, err := l.Policy(category)
	if err != nil {
		return domain.RateLimitStatus{}, err
	}

	now := l.now()
	if p.Unbounded() {
		return domain.RateLimitStatus{Allowed: true, Limit: -1, Remaining: -1, ResetAt: now}, nil
	}

	res, err := l.store.RecordIfAllowed(ctx, windowKey(subjectID, category), now, p.Window, p.Cap)
	if err != nil {
		logger.Error("quota store unavailable, refusing send",
			"subject_id", subjectID, "category", string(category), "error", err)
		return domain.RateLimitStatus{Allowed: false, Limit: p.Cap, Remaining: 0, ResetAt: now},
			fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}

	status := domain.RateLimitStatus{
		Allowed: res.Allowed,
		Limit:   p.Cap,
		Count:   res.Count,
		ResetAt: resetAt(res.Oldest, now, p.Window),
	}
	if res.Allowed {
		status.Remaining = p.Cap - res.Count - 1
	}
	if !res.Allowed {
		logger.Debug("quota exceeded",
			"subject_id", subjectID, "category", string(category), "count", res.Count, "limit", p.Cap)
	}
	return status, nil
}

// Peek reports the current quota state without consuming from it.
func (l *Limiter) Peek(ctx context.Context, subjectID string, category domain.Category) (domain.RateLimitStatus, error) {
	if subjectID == "" {
		return domain.RateLimitStatus{}, ErrInvalidSubject
	}
	p, err := l.Policy(category)
	if err != nil {
		return domain.RateLimitStatus{}, err
	}

	now := l.now()
	if p.Unbounded() {
		return domain.RateLimitStatus{Allowed: true, Limit: -1, Remaining: -1, ResetAt: now}, nil
	}

	count, oldest, err := l.store.CountSince(ctx, windowKey(subjectID, category), now.Add(-p.Window))
	if err != nil {
		return domain.RateLimitStatus{Allowed: false, Limit: p.Cap, ResetAt: now},
			fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}
	remaining := p.Cap - count
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitStatus{
		Allowed:   remaining > 0,
		Limit:     p.Cap,
		Remaining: remaining,
		Count:     count,
		ResetAt:   resetAt(oldest, now, p.Window),
	}, nil
}

// resetAt is when the oldest retained event leaves the window. An empty
// window resets one full window from now.
func resetAt(oldest, now time.Time, window time.Duration) time.Time {
	if oldest.IsZero() {
		return now.Add(window)
	}
	return oldest.Add(window)
}
