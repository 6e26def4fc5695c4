// Package store is the shared key/counter store every replica of the service
// talks to. It holds quota windows, abuse logs, suppression entries, retry
// state and event fingerprints; nothing above it caches store contents.
//
// Two implementations exist: RedisStore for production and MemoryStore for
// single-process use and tests. Keys passed to a Store are relative; the
// implementation applies its configured prefix.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultPrefix is prepended to every key unless configured otherwise.
const DefaultPrefix = "nftopia:notify"

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// WindowResult is the outcome of a windowed record attempt.
type WindowResult struct {
	Allowed bool
	// Count is the number of retained events before this call's insert.
	Count int
	// Oldest is the timestamp of the oldest retained event after the call,
	// zero when the window is empty.
	Oldest time.Time
}

// Store is the contract shared by the quota, abuse, suppression and retry
// components.
type Store interface {
	// RecordIfAllowed drops events at or before at-window, counts what is
	// left and, when the count is below limit, records at and refreshes the
	// key TTL to window. It is a single atomic step.
	RecordIfAllowed(ctx context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error)
	// CountSince counts events after cutoff without modifying the window.
	CountSince(ctx context.Context, key string, cutoff time.Time) (int, time.Time, error)

	AddMember(ctx context.Context, key, member string) (bool, error)
	IsMember(ctx context.Context, key, member string) (bool, error)
	Members(ctx context.Context, key string) ([]string, error)
	RemoveMember(ctx context.Context, key, member string) error

	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Push prepends value to the list at key.
	Push(ctx context.Context, key string, value []byte) error
	// Range returns list elements between start and stop inclusive; negative
	// indexes count from the tail as in Redis.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Expire sets a TTL on any key. A ttl <= 0 clears it.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

var errClosed = errors.New("store: closed")
