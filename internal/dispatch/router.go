package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// Dispatcher sends one message and returns the provider's message ID.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (string, error)
}

// Router picks a dispatcher by channel.
type Router struct {
	mu       sync.RWMutex
	channels map[domain.Channel]Dispatcher
}

func NewRouter() *Router {
	return &Router{channels: make(map[domain.Channel]Dispatcher)}
}

// Register sets the dispatcher for ch, replacing any previous one.
func (r *Router) Register(ch domain.Channel, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch] = d
}

// Channels returns the channels with a registered dispatcher.
func (r *Router) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.channels))
	for _, ch := range domain.Channels {
		if _, ok := r.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Router) Dispatch(ctx context.Context, msg domain.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r.mu.RLock()
	d, ok := r.channels[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoProvider, msg.Channel)
	}
	return d.Dispatch(ctx, msg)
}
