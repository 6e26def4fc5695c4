package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// AbuseRetention is how long a violation log is kept after its latest entry.
const AbuseRetention = 24 * time.Hour

// AbuseTracker keeps a short-lived log of quota violations per
// (subject, category). The limiter never reads it.
type AbuseTracker struct {
	store store.Store
	now   func() time.Time
}

// NewAbuseTracker records violations in s.
func NewAbuseTracker(s store.Store) *AbuseTracker {
	return &AbuseTracker{store: s, now: time.Now}
}

func abuseKey(subjectID string, category domain.Category) string {
	return "abuse:" + subjectID + ":" + string(category)
}

// Record appends a violation and refreshes the log's retention.
func (t *AbuseTracker) Record(ctx context.Context, subjectID string, category domain.Category, attemptCount int, metadata map[string]string) error {
	rec := domain.AbuseRecord{
		SubjectID:    subjectID,
		Category:     category,
		AttemptCount: attemptCount,
		Timestamp:    t.now().UTC(),
		Metadata:     metadata,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal abuse record: %w", err)
	}
	key := abuseKey(subjectID, category)
	if err := t.store.Push(ctx, key, b); err != nil {
		return fmt.Errorf("record abuse: %w", err)
	}
	if err := t.store.Expire(ctx, key, AbuseRetention); err != nil {
		return fmt.Errorf("record abuse: %w", err)
	}
	return nil
}

// List returns recorded violations, most recent first.
func (t *AbuseTracker) List(ctx context.Context, subjectID string, category domain.Category) ([]domain.AbuseRecord, error) {
	raw, err := t.store.Range(ctx, abuseKey(subjectID, category), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list abuse: %w", err)
	}
	out := make([]domain.AbuseRecord, 0, len(raw))
	for _, b := range raw {
		var rec domain.AbuseRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
