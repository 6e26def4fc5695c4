package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process Store. Expiry is applied lazily when a key
// is touched, using the injected clock, so tests can move time without
// sleeping.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string][]int64 // sorted unix-ms scores
	sets    map[string]map[string]struct{}
	values  map[string][]byte
	lists   map[string][][]byte
	expiry  map[string]time.Time
	closed  bool
}

// NewMemoryStore returns an empty store on the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:     now,
		windows: make(map[string][]int64),
		sets:    make(map[string]map[string]struct{}),
		values:  make(map[string][]byte),
		lists:   make(map[string][][]byte),
		expiry:  make(map[string]time.Time),
	}
}

// evict drops key if its TTL has passed. Caller holds mu.
func (m *MemoryStore) evict(key string) {
	exp, ok := m.expiry[key]
	if !ok || m.now().Before(exp) {
		return
	}
	m.drop(key)
}

func (m *MemoryStore) drop(key string) {
	delete(m.windows, key)
	delete(m.sets, key)
	delete(m.values, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

func (m *MemoryStore) setTTL(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(m.expiry, key)
		return
	}
	m.expiry[key] = m.now().Add(ttl)
}

func (m *MemoryStore) RecordIfAllowed(ctx context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return WindowResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)

	ms := at.UnixMilli()
	cutoff := ms - window.Milliseconds()
	scores := m.windows[key]
	i := sort.Search(len(scores), func(i int) bool { return scores[i] > cutoff })
	scores = scores[i:]

	res := WindowResult{Count: len(scores)}
	if len(scores) < limit {
		j := sort.Search(len(scores), func(i int) bool { return scores[i] > ms })
		scores = append(scores, 0)
		copy(scores[j+1:], scores[j:])
		scores[j] = ms
		m.setTTL(key, window)
		res.Allowed = true
	}
	if len(scores) > 0 {
		res.Oldest = time.UnixMilli(scores[0])
		m.windows[key] = scores
	} else {
		delete(m.windows, key)
	}
	return res, nil
}

func (m *MemoryStore) CountSince(ctx context.Context, key string, cutoff time.Time) (int, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)

	c := cutoff.UnixMilli()
	scores := m.windows[key]
	i := sort.Search(len(scores), func(i int) bool { return scores[i] > c })
	if i == len(scores) {
		return 0, time.Time{}, nil
	}
	return len(scores) - i, time.UnixMilli(scores[i]), nil
}

func (m *MemoryStore) AddMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (m *MemoryStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemoryStore) Members(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RemoveMember(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			m.drop(key)
		}
	}
	return nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(key)
	m.values[key] = append([]byte(nil), value...)
	m.setTTL(key, ttl)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(key)
	return nil
}

func (m *MemoryStore) Push(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	m.lists[key] = append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	return nil
}

func (m *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	m.setTTL(key, ttl)
	return nil
}

// TTL returns the remaining life of key, or 0 when it has none.
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	exp, ok := m.expiry[key]
	if !ok {
		return 0
	}
	return exp.Sub(m.now())
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
