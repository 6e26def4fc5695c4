package ingest

import (
	"context"
	"sync"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/bounce"
)

// recordingProcessor stores every event and fails recipients listed in fail.
type recordingProcessor struct {
	mu     sync.Mutex
	events []domain.FailureEvent
	fail   map[string]bool
}

func (p *recordingProcessor) ProcessBatch(_ context.Context, events []domain.FailureEvent) bounce.BatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := bounce.BatchResult{Outcomes: map[bounce.Outcome]int{}}
	for _, ev := range events {
		p.events = append(p.events, ev)
		if p.fail[ev.Recipient] {
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res
}

func (p *recordingProcessor) Events() []domain.FailureEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.FailureEvent(nil), p.events...)
}
