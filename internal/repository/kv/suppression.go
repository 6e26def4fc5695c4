// Package kv implements repositories on top of the shared key/counter store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// SuppressionRepo implements suppression.Repository on a store.Store. Each
// entry is a JSON value whose store TTL is its lifetime (ExpiresAt minus
// CreatedAt); a per-channel index set makes entries listable.
type SuppressionRepo struct {
	store store.Store
}

// NewSuppressionRepo creates a store-backed suppression repository.
func NewSuppressionRepo(s store.Store) *SuppressionRepo {
	return &SuppressionRepo{store: s}
}

func entryKey(recipient string, ch domain.Channel) string {
	return "supp:" + string(ch) + ":" + recipient
}

func indexKey(ch domain.Channel) string {
	return "supp:index:" + string(ch)
}

func (r *SuppressionRepo) Get(ctx context.Context, recipient string, ch domain.Channel) (*domain.Suppression, error) {
	b, err := r.store.Get(ctx, entryKey(recipient, ch))
	if errors.Is(err, store.ErrNotFound) {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	var s domain.Suppression
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode suppression: %w", err)
	}
	return &s, nil
}

func (r *SuppressionRepo) Put(ctx context.Context, s *domain.Suppression) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode suppression: %w", err)
	}
	// The lifetime comes from the entry, never from this process's clock,
	// so callers with their own clock or a skewed host still get a write.
	var ttl time.Duration
	if s.ExpiresAt != nil {
		ttl = s.ExpiresAt.Sub(s.CreatedAt)
		if ttl <= 0 {
			return fmt.Errorf("%w: expires_at %s is not after created_at %s",
				suppression.ErrValidation, s.ExpiresAt.Format(time.RFC3339), s.CreatedAt.Format(time.RFC3339))
		}
	}
	if err := r.store.Set(ctx, entryKey(s.Recipient, s.Channel), b, ttl); err != nil {
		return fmt.Errorf("put suppression: %w", err)
	}
	if _, err := r.store.AddMember(ctx, indexKey(s.Channel), s.Recipient); err != nil {
		return fmt.Errorf("index suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, recipient string, ch domain.Channel) error {
	if _, err := r.Get(ctx, recipient, ch); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, entryKey(recipient, ch)); err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if err := r.store.RemoveMember(ctx, indexKey(ch), recipient); err != nil {
		return fmt.Errorf("unindex suppression: %w", err)
	}
	return nil
}

// List walks the channel indexes. Index members whose entry has expired out
// of the store are pruned as they are found.
func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter, now time.Time) ([]domain.Suppression, error) {
	channels := domain.Channels
	if f.Channel != "" {
		channels = []domain.Channel{f.Channel}
	}

	var out []domain.Suppression
	for _, ch := range channels {
		members, err := r.store.Members(ctx, indexKey(ch))
		if err != nil {
			return nil, fmt.Errorf("list suppressions: %w", err)
		}
		for _, recipient := range members {
			s, err := r.Get(ctx, recipient, ch)
			if errors.Is(err, suppression.ErrNotFound) {
				_ = r.store.RemoveMember(ctx, indexKey(ch), recipient)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !s.ActiveAt(now) {
				continue
			}
			if f.Source != "" && s.Source != f.Source {
				continue
			}
			if f.Reason != "" && s.Reason != f.Reason {
				continue
			}
			out = append(out, *s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Recipient < out[j].Recipient
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []domain.Suppression{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
