package suppression

import (
	"context"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// Repository defines the data access contract for the suppression registry.
// It stores at most one entry per (recipient, channel); the service decides
// which entry wins.
type Repository interface {
	// Get returns the stored entry, which may already be past its expiry.
	// Returns ErrNotFound if there is none.
	Get(ctx context.Context, recipient string, channel domain.Channel) (*domain.Suppression, error)

	// Put stores s, replacing any entry for the same (recipient, channel).
	Put(ctx context.Context, s *domain.Suppression) error

	// Remove deletes the entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, recipient string, channel domain.Channel) error

	// List returns entries active at now matching the filter, newest first.
	List(ctx context.Context, filter ListFilter, now time.Time) ([]domain.Suppression, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Channel domain.Channel
	Source  domain.SuppressionSource
	Reason  domain.SuppressionReason
	Limit   int
	Offset  int
}
