package notify

import (
	"context"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// Limiter admits or rejects one send against a subject's quota.
type Limiter interface {
	CheckAndConsume(ctx context.Context, subjectID string, category domain.Category) (domain.RateLimitStatus, error)
}

// AbuseRecorder logs a rejected send.
type AbuseRecorder interface {
	Record(ctx context.Context, subjectID string, category domain.Category, attemptCount int, metadata map[string]string) error
}

// SuppressionChecker performs the pre-send suppression check.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, recipient string, channel domain.Channel) (bool, error)
}

// Dispatcher hands a message to its channel's provider and returns the
// provider's message ID. Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (string, error)
}
