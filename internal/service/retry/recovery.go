package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// RecoverStats summarizes one recovery scan.
// Fired counts due jobs that reached a terminal step (sent, rescheduled,
// exhausted or dropped as suppressed); Skipped counts due jobs another
// instance held or that had already moved on.
type RecoverStats struct {
	Scanned  int `json:"scanned"`
	Fired    int `json:"fired"`
	Deferred int `json:"deferred"`
	Skipped  int `json:"skipped"`
	Rearmed  int `json:"rearmed"`
	Pruned   int `json:"pruned"`
	Errors   int `json:"errors"`
}

// Recover walks the retry index: stale entries are pruned, due retries fire
// now and the rest are re-armed.
func (s *Scheduler) Recover(ctx context.Context) (RecoverStats, error) {
	var stats RecoverStats
	ids, err := s.store.Members(ctx, indexKey)
	if err != nil {
		return stats, fmt.Errorf("scan retry index: %w", err)
	}

	now := s.now()
	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++
		ch, recipient, ok := parseJobID(id)
		if !ok {
			_ = s.store.RemoveMember(ctx, indexKey, id)
			stats.Pruned++
			continue
		}

		st, err := s.State(ctx, recipient, ch)
		if errors.Is(err, ErrNotFound) {
			_ = s.store.RemoveMember(ctx, indexKey, id)
			stats.Pruned++
			continue
		}
		if err != nil {
			stats.Errors++
			logger.Error("recover: read retry state", "job", id, "error", err)
			continue
		}
		if st.AwaitingOutcome() {
			_ = s.store.RemoveMember(ctx, indexKey, id)
			stats.Pruned++
			continue
		}

		if st.Due(now) {
			out, err := s.Fire(ctx, recipient, ch)
			if err != nil {
				stats.Errors++
				logger.Error("recover: fire retry", "job", id, "error", err)
				continue
			}
			switch out {
			case FireDispatched, FireRescheduled, FireExhausted, FireSuppressed:
				stats.Fired++
			case FireDeferred:
				stats.Deferred++
			case FireMissing:
				stats.Pruned++
			case FireNotDue:
				stats.Rearmed++
			default:
				stats.Skipped++
			}
			continue
		}
		s.arm(st)
		stats.Rearmed++
	}
	return stats, nil
}

// Run recovers once, then rescans every sweep interval until ctx is done.
// Timers armed by this scheduler are stopped on return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	defer s.deferrer.Stop()

	logger.Info("retry scheduler starting",
		"sweep_interval", s.sweepInterval.String(), "max_attempts", s.policy.MaxAttempts)

	s.sweep(ctx)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retry scheduler stopping")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	stats, err := s.Recover(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("retry recovery scan failed", "error", err)
		return
	}
	if stats.Fired > 0 || stats.Deferred > 0 || stats.Pruned > 0 || stats.Errors > 0 {
		logger.Info("retry recovery scan",
			"scanned", stats.Scanned, "fired", stats.Fired, "deferred", stats.Deferred,
			"skipped", stats.Skipped, "rearmed", stats.Rearmed,
			"pruned", stats.Pruned, "errors", stats.Errors)
	}
}
