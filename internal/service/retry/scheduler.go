package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/distlock"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

const (
	// DefaultGrace is how long retry state outlives its scheduled fire time.
	DefaultGrace = time.Minute
	// DefaultLockTTL bounds how long one instance may hold a job while firing.
	DefaultLockTTL = 30 * time.Second
	// DefaultSweepInterval is how often Run rescans the index.
	DefaultSweepInterval = time.Minute

	indexKey = "retry:index"
)

// Dispatcher sends a message through its channel's provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (string, error)
}

// Suppressor is the slice of the suppression registry the scheduler needs.
type Suppressor interface {
	IsSuppressed(ctx context.Context, recipient string, channel domain.Channel) (bool, error)
	Suppress(ctx context.Context, req suppression.SuppressRequest) (*domain.Suppression, error)
}

// RetryRequest asks for retry number Attempt to fire after Delay.
type RetryRequest struct {
	Recipient       string
	Channel         domain.Channel
	OriginalEventID string
	Payload         domain.Message
	Attempt         int
	Delay           time.Duration
}

// Scheduler owns retry state. It is safe for concurrent use.
type Scheduler struct {
	store      store.Store
	suppressor Suppressor
	dispatcher Dispatcher
	locks      distlock.Factory
	deferrer   Deferrer
	policy     Policy

	grace         time.Duration
	lockTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	baseCtx context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option { return func(s *Scheduler) { s.policy = p } }

// WithDeferrer replaces the in-process timer deferrer.
func WithDeferrer(d Deferrer) Option { return func(s *Scheduler) { s.deferrer = d } }

// WithLocks sets the lock factory guarding Fire; use a Redis-backed one when
// several instances share the store.
func WithLocks(f distlock.Factory) Option { return func(s *Scheduler) { s.locks = f } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTimings overrides grace, lock TTL and sweep interval. Zero values keep
// the defaults.
func WithTimings(grace, lockTTL, sweep time.Duration) Option {
	return func(s *Scheduler) {
		if grace > 0 {
			s.grace = grace
		}
		if lockTTL > 0 {
			s.lockTTL = lockTTL
		}
		if sweep > 0 {
			s.sweepInterval = sweep
		}
	}
}

// NewScheduler creates a scheduler. Without options it uses the default
// policy, in-process timers and in-process locks.
func NewScheduler(st store.Store, supp Suppressor, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		suppressor:    supp,
		dispatcher:    d,
		policy:        DefaultPolicy(),
		grace:         DefaultGrace,
		lockTTL:       DefaultLockTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		baseCtx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deferrer == nil {
		s.deferrer = NewTimerDeferrer()
	}
	if s.locks == nil {
		s.locks = distlock.NewLocalFactory()
	}
	return s
}

// Policy returns the backoff policy in use.
func (s *Scheduler) Policy() Policy { return s.policy }

func stateKey(ch domain.Channel, recipient string) string {
	return "retry:" + string(ch) + ":" + recipient
}

func jobID(ch domain.Channel, recipient string) string {
	return string(ch) + ":" + recipient
}

func parseJobID(id string) (domain.Channel, string, bool) {
	ch, recipient, ok := strings.Cut(id, ":")
	if !ok || recipient == "" {
		return "", "", false
	}
	return domain.Channel(ch), recipient, true
}

// ScheduleRetry records retry state and arms a timer for it. Requests for an
// attempt at or below the recorded one return ErrDuplicateRetry.
func (s *Scheduler) ScheduleRetry(ctx context.Context, req RetryRequest) (*domain.RetryState, error) {
	if _, err := domain.ParseChannel(string(req.Channel)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	recipient, err := domain.ParseRecipient(req.Channel, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Attempt < 1 {
		return nil, fmt.Errorf("%w: attempt must be at least 1", ErrInvalidRequest)
	}
	if req.Delay < 0 {
		req.Delay = 0
	}

	now := s.now().UTC()
	state := &domain.RetryState{
		Recipient:       recipient,
		Channel:         req.Channel,
		OriginalEventID: req.OriginalEventID,
		Attempt:         req.Attempt,
		FirstAttemptAt:  now,
		NextAttemptAt:   now.Add(req.Delay),
		Payload:         req.Payload,
	}

	existing, err := s.State(ctx, recipient, req.Channel)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if existing.Attempt >= req.Attempt {
			return existing, ErrDuplicateRetry
		}
		state.FirstAttemptAt = existing.FirstAttemptAt
		if state.OriginalEventID == "" {
			state.OriginalEventID = existing.OriginalEventID
		}
		if state.Payload.Body == "" {
			state.Payload = existing.Payload
		}
	}
	if state.Payload.Recipient == "" {
		state.Payload.Recipient = recipient
		state.Payload.Channel = req.Channel
	}

	if err := s.save(ctx, state, req.Delay+s.grace); err != nil {
		return nil, err
	}
	if _, err := s.store.AddMember(ctx, indexKey, jobID(req.Channel, recipient)); err != nil {
		return nil, fmt.Errorf("index retry: %w", err)
	}
	s.arm(state)

	logger.Info("retry scheduled",
		"recipient", recipient, "channel", string(req.Channel),
		"attempt", state.Attempt, "next_attempt_at", state.NextAttemptAt.Format(time.RFC3339))
	return state, nil
}

// State returns the retry state for (recipient, channel) or ErrNotFound.
func (s *Scheduler) State(ctx context.Context, recipient string, ch domain.Channel) (*domain.RetryState, error) {
	recipient = domain.NormalizeRecipient(ch, recipient)
	if recipient == "" {
		return nil, ErrNotFound
	}
	b, err := s.store.Get(ctx, stateKey(ch, recipient))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read retry state: %w", err)
	}
	var st domain.RetryState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode retry state: %w", err)
	}
	return &st, nil
}

// Cancel drops any retry state for (recipient, channel). Missing state is
// not an error.
func (s *Scheduler) Cancel(ctx context.Context, recipient string, ch domain.Channel) error {
	recipient = domain.NormalizeRecipient(ch, recipient)
	if recipient == "" {
		return nil
	}
	id := jobID(ch, recipient)
	s.deferrer.Cancel(id)
	if err := s.store.Delete(ctx, stateKey(ch, recipient)); err != nil {
		return fmt.Errorf("delete retry state: %w", err)
	}
	if err := s.store.RemoveMember(ctx, indexKey, id); err != nil {
		return fmt.Errorf("unindex retry: %w", err)
	}
	return nil
}

func (s *Scheduler) save(ctx context.Context, st *domain.RetryState, ttl time.Duration) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode retry state: %w", err)
	}
	if err := s.store.Set(ctx, stateKey(st.Channel, st.Recipient), b, ttl); err != nil {
		return fmt.Errorf("write retry state: %w", err)
	}
	return nil
}

func (s *Scheduler) arm(st *domain.RetryState) {
	ch, recipient := st.Channel, st.Recipient
	s.deferrer.Arm(jobID(ch, recipient), st.NextAttemptAt, func() {
		ctx, cancel := context.WithTimeout(s.context(), s.lockTTL)
		defer cancel()
		if _, err := s.Fire(ctx, recipient, ch); err != nil {
			logger.Error("retry fire failed", "recipient", recipient, "channel", string(ch), "error", err)
		}
	})
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

// FireOutcome describes what a Fire call did.
type FireOutcome string

const (
	FireLocked      FireOutcome = "locked"
	FireMissing     FireOutcome = "missing"
	FireNotDue      FireOutcome = "not_due"
	FireSuppressed  FireOutcome = "suppressed"
	FireDispatched  FireOutcome = "dispatched"
	FireRescheduled FireOutcome = "rescheduled"
	FireExhausted   FireOutcome = "exhausted"
	FireDeferred    FireOutcome = "deferred"
	FireSuperseded  FireOutcome = "superseded"
)

// Fire executes the retry for (recipient, channel) if it is due. Dispatch
// failures are absorbed here: they either schedule the next attempt or
// suppress the recipient.
func (s *Scheduler) Fire(ctx context.Context, recipient string, ch domain.Channel) (FireOutcome, error) {
	lock := s.locks.NewLock(stateKey(ch, recipient), s.lockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return FireLocked, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("retry lock release failed", "recipient", recipient, "error", err)
		}
	}()

	st, err := s.State(ctx, recipient, ch)
	if errors.Is(err, ErrNotFound) {
		_ = s.store.RemoveMember(ctx, indexKey, jobID(ch, recipient))
		return FireMissing, nil
	}
	if err != nil {
		return "", err
	}
	if st.AwaitingOutcome() {
		_ = s.store.RemoveMember(ctx, indexKey, jobID(ch, recipient))
		return FireMissing, nil
	}

	now := s.now().UTC()
	if !st.Due(now) {
		s.arm(st)
		return FireNotDue, nil
	}

	suppressed, err := s.suppressor.IsSuppressed(ctx, st.Recipient, ch)
	if err != nil {
		return s.deferFire(ctx, st, fmt.Errorf("suppression check: %w", err))
	}
	if suppressed {
		logger.Info("retry dropped, recipient suppressed",
			"recipient", st.Recipient, "channel", string(ch), "attempt", st.Attempt)
		if err := s.Cancel(ctx, st.Recipient, ch); err != nil {
			return "", err
		}
		return FireSuppressed, nil
	}

	msgID, dispatchErr := s.dispatcher.Dispatch(ctx, st.Payload)

	// ScheduleRetry and Cancel do not take the fire lock, so the state may
	// have moved on while the provider call was in flight.
	current, err := s.unchanged(ctx, st)
	if err != nil {
		return "", err
	}
	if !current {
		logger.Info("retry state changed during dispatch, keeping newer state",
			"recipient", st.Recipient, "channel", string(ch), "attempt", st.Attempt,
			"dispatched", dispatchErr == nil)
		return FireSuperseded, nil
	}

	if dispatchErr == nil {
		if err := s.markDispatched(ctx, st, now); err != nil {
			return "", err
		}
		logger.Info("retry dispatched",
			"recipient", st.Recipient, "channel", string(ch), "attempt", st.Attempt, "message_id", msgID)
		return FireDispatched, nil
	}

	logger.Warn("retry dispatch failed",
		"recipient", st.Recipient, "channel", string(ch), "attempt", st.Attempt, "error", dispatchErr)
	return s.afterFailure(ctx, st, now, dispatchErr.Error())
}

// unchanged reports whether the stored state is still the undispatched
// attempt st was read as.
func (s *Scheduler) unchanged(ctx context.Context, st *domain.RetryState) (bool, error) {
	latest, err := s.State(ctx, st.Recipient, st.Channel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Attempt == st.Attempt && !latest.AwaitingOutcome(), nil
}

// afterFailure applies the backoff rule once attempt st.Attempt has failed.
func (s *Scheduler) afterFailure(ctx context.Context, st *domain.RetryState, now time.Time, detail string) (FireOutcome, error) {
	failed := st.Attempt + 1
	var reason domain.SuppressionReason
	switch {
	case failed >= s.policy.MaxAttempts:
		reason = domain.ReasonMaxRetries
	case now.Sub(st.FirstAttemptAt) > s.policy.RetryWindow:
		reason = domain.ReasonWindowExpired
	}
	if reason != "" {
		if err := s.exhaust(ctx, st, reason, detail); err != nil {
			return "", err
		}
		return FireExhausted, nil
	}

	_, err := s.scheduleNext(ctx, st)
	if err != nil && !errors.Is(err, ErrDuplicateRetry) {
		return "", err
	}
	return FireRescheduled, nil
}

func (s *Scheduler) scheduleNext(ctx context.Context, st *domain.RetryState) (*domain.RetryState, error) {
	return s.ScheduleRetry(ctx, RetryRequest{
		Recipient:       st.Recipient,
		Channel:         st.Channel,
		OriginalEventID: st.OriginalEventID,
		Payload:         st.Payload,
		Attempt:         st.Attempt + 1,
		Delay:           s.policy.Delay(st.Attempt),
	})
}

// exhaust permanently suppresses the recipient and drops its retry state.
func (s *Scheduler) exhaust(ctx context.Context, st *domain.RetryState, reason domain.SuppressionReason, detail string) error {
	if _, err := s.suppressor.Suppress(audit.WithActor(ctx, "retry_scheduler"), suppression.SuppressRequest{
		Recipient: st.Recipient,
		Channel:   st.Channel,
		Reason:    reason,
		Source:    domain.SourceBounce,
		Detail:    detail,
		TTL:       suppression.Permanent(),
	}); err != nil {
		return fmt.Errorf("suppress after retries: %w", err)
	}
	logger.Warn("retries exhausted, recipient suppressed",
		"recipient", st.Recipient, "channel", string(st.Channel),
		"attempt", st.Attempt, "reason", string(reason))
	return s.Cancel(ctx, st.Recipient, st.Channel)
}

// markDispatched keeps the state around, out of the index, so a later soft
// bounce for this send continues the attempt count.
func (s *Scheduler) markDispatched(ctx context.Context, st *domain.RetryState, now time.Time) error {
	st.DispatchedAt = &now
	ttl := st.FirstAttemptAt.Add(s.policy.RetryWindow).Sub(now) + s.grace
	if ttl < s.grace {
		ttl = s.grace
	}
	if err := s.save(ctx, st, ttl); err != nil {
		return err
	}
	s.deferrer.Cancel(jobID(st.Channel, st.Recipient))
	if err := s.store.RemoveMember(ctx, indexKey, jobID(st.Channel, st.Recipient)); err != nil {
		return fmt.Errorf("unindex retry: %w", err)
	}
	return nil
}

// deferFire pushes a retry back by one grace period after a transient error
// so the state does not expire while the dependency recovers.
func (s *Scheduler) deferFire(ctx context.Context, st *domain.RetryState, cause error) (FireOutcome, error) {
	st.NextAttemptAt = s.now().UTC().Add(s.grace)
	if err := s.save(ctx, st, 2*s.grace); err != nil {
		return "", errors.Join(cause, err)
	}
	s.arm(st)
	logger.Warn("retry deferred", "recipient", st.Recipient, "channel", string(st.Channel), "error", cause)
	return FireDeferred, nil
}
