package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// ErrNoSnapshot is returned by Latest when nothing was sent recently.
var ErrNoSnapshot = errors.New("notify: no message snapshot")

// SnapshotStore keeps the last message dispatched to each recipient for as
// long as a retry for it could still be scheduled.
type SnapshotStore struct {
	store store.Store
	ttl   time.Duration
}

// NewSnapshotStore keeps each snapshot for ttl after it is saved.
func NewSnapshotStore(s store.Store, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{store: s, ttl: ttl}
}

func snapshotKey(ch domain.Channel, recipient string) string {
	return "msg:" + string(ch) + ":" + recipient
}

// Save overwrites the recipient's snapshot with msg.
func (s *SnapshotStore) Save(ctx context.Context, msg domain.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := snapshotKey(msg.Channel, domain.NormalizeRecipient(msg.Channel, msg.Recipient))
	if err := s.store.Set(ctx, key, b, s.ttl); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Latest returns the recipient's snapshot or ErrNoSnapshot.
func (s *SnapshotStore) Latest(ctx context.Context, ch domain.Channel, recipient string) (*domain.Message, error) {
	b, err := s.store.Get(ctx, snapshotKey(ch, domain.NormalizeRecipient(ch, recipient)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &msg, nil
}
