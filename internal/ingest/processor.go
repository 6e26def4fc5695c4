package ingest

import (
	"context"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/bounce"
)

// Processor applies a batch of failure events.
type Processor interface {
	ProcessBatch(ctx context.Context, events []domain.FailureEvent) bounce.BatchResult
}
