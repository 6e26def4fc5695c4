package suppression

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string]domain.Suppression // keyed by "channel:recipient"
	puts  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]domain.Suppression)}
}

func (m *mockRepo) key(recipient string, ch domain.Channel) string {
	return string(ch) + ":" + recipient
}

func (m *mockRepo) Get(_ context.Context, recipient string, ch domain.Channel) (*domain.Suppression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store[m.key(recipient, ch)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *mockRepo) Put(_ context.Context, s *domain.Suppression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[m.key(s.Recipient, s.Channel)] = *s
	m.puts++
	return nil
}

func (m *mockRepo) Remove(_ context.Context, recipient string, ch domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(recipient, ch)
	if _, ok := m.store[k]; !ok {
		return ErrNotFound
	}
	delete(m.store, k)
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, now time.Time) ([]domain.Suppression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.Suppression
	for _, s := range m.store {
		if !s.ActiveAt(now) {
			continue
		}
		if f.Channel != "" && s.Channel != f.Channel {
			continue
		}
		if f.Source != "" && s.Source != f.Source {
			continue
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Recipient < result[j].Recipient })
	if f.Offset >= len(result) {
		return nil, nil
	}
	result = result[f.Offset:]
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService(repo Repository) (*Service, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewService(repo, WithClock(clock.Now)), clock
}

func ttl(d time.Duration) *time.Duration { return &d }

func TestSuppress_HardBounceIsPermanent(t *testing.T) {
	svc, clock := newTestService(newMockRepo())
	ctx := context.Background()

	entry, err := svc.Suppress(ctx, SuppressRequest{
		Recipient: "A@Example.com ", Channel: domain.ChannelEmail,
		Reason: domain.ReasonHardBounce, Source: domain.SourceBounce,
	})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", entry.Recipient)
	assert.Nil(t, entry.ExpiresAt)

	clock.now = clock.now.Add(10 * 365 * 24 * time.Hour)
	ok, err := svc.IsSuppressed(ctx, "a@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsSuppressed(ctx, "a@example.com", domain.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, ok, "suppression is per channel")
}

func TestSuppress_Idempotent(t *testing.T) {
	repo := newMockRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	var first *domain.Suppression
	for i := 0; i < 3; i++ {
		entry, err := svc.Suppress(ctx, SuppressRequest{
			Recipient: "dup@example.com", Channel: domain.ChannelEmail,
			Reason: domain.ReasonHardBounce, Source: domain.SourceBounce,
		})
		require.NoError(t, err)
		if first == nil {
			first = entry
		}
		assert.Equal(t, first.CreatedAt, entry.CreatedAt)
	}
	assert.Equal(t, 1, repo.puts)

	list, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSuppress_SourceDefaultTTL(t *testing.T) {
	svc, clock := newTestService(newMockRepo())
	ctx := context.Background()

	entry, err := svc.Suppress(ctx, SuppressRequest{
		Recipient: "+1 (555) 123-4567", Channel: domain.ChannelSMS,
		Reason: domain.ReasonCarrierOptOut, Source: domain.SourceCarrier,
	})
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", entry.Recipient)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, clock.now.Add(30*24*time.Hour), *entry.ExpiresAt)

	clock.now = clock.now.Add(30*24*time.Hour - time.Second)
	ok, _ := svc.IsSuppressed(ctx, "+15551234567", domain.ChannelSMS)
	assert.True(t, ok)

	clock.now = clock.now.Add(time.Second)
	ok, _ = svc.IsSuppressed(ctx, "+15551234567", domain.ChannelSMS)
	assert.False(t, ok, "expiry is enforced at read time")
}

func TestSuppress_Precedence(t *testing.T) {
	ctx := context.Background()
	req := func(reason domain.SuppressionReason, src domain.SuppressionSource, d *time.Duration) SuppressRequest {
		return SuppressRequest{Recipient: "p@example.com", Channel: domain.ChannelEmail, Reason: reason, Source: src, TTL: d}
	}

	t.Run("permanent is kept over later expiring", func(t *testing.T) {
		svc, _ := newTestService(newMockRepo())
		_, err := svc.Suppress(ctx, req(domain.ReasonHardBounce, domain.SourceBounce, nil))
		require.NoError(t, err)
		entry, err := svc.Suppress(ctx, req(domain.ReasonUserOptOut, domain.SourcePolicy, nil))
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonHardBounce, entry.Reason)
		assert.Nil(t, entry.ExpiresAt)
	})

	t.Run("permanent replaces expiring", func(t *testing.T) {
		svc, _ := newTestService(newMockRepo())
		_, err := svc.Suppress(ctx, req(domain.ReasonUserOptOut, domain.SourcePolicy, nil))
		require.NoError(t, err)
		entry, err := svc.Suppress(ctx, req(domain.ReasonSpamReport, domain.SourceSpam, nil))
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonSpamReport, entry.Reason)
		assert.Nil(t, entry.ExpiresAt)
	})

	t.Run("longer expiry replaces shorter", func(t *testing.T) {
		svc, _ := newTestService(newMockRepo())
		_, err := svc.Suppress(ctx, req(domain.ReasonManual, domain.SourceManual, ttl(time.Hour)))
		require.NoError(t, err)
		entry, err := svc.Suppress(ctx, req(domain.ReasonManual, domain.SourceManual, ttl(2*time.Hour)))
		require.NoError(t, err)
		require.NotNil(t, entry.ExpiresAt)

		kept, err := svc.Suppress(ctx, req(domain.ReasonUserOptOut, domain.SourcePolicy, ttl(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, *entry.ExpiresAt, *kept.ExpiresAt)
	})

	t.Run("expired entry is replaced", func(t *testing.T) {
		svc, clock := newTestService(newMockRepo())
		_, err := svc.Suppress(ctx, req(domain.ReasonManual, domain.SourceManual, ttl(time.Hour)))
		require.NoError(t, err)
		clock.now = clock.now.Add(2 * time.Hour)
		entry, err := svc.Suppress(ctx, req(domain.ReasonUserOptOut, domain.SourcePolicy, ttl(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonUserOptOut, entry.Reason)
	})
}

func TestSuppress_Validation(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	ctx := context.Background()

	cases := []SuppressRequest{
		{Recipient: "", Channel: domain.ChannelEmail, Reason: domain.ReasonManual, Source: domain.SourceManual},
		{Recipient: "x@example.com", Channel: "push", Reason: domain.ReasonManual, Source: domain.SourceManual},
		{Recipient: "x@example.com", Channel: domain.ChannelEmail, Reason: domain.ReasonManual, Source: "pmta"},
		{Recipient: "x@example.com", Channel: domain.ChannelEmail, Source: domain.SourceManual},
		{Recipient: "not-an-email", Channel: domain.ChannelEmail, Reason: domain.ReasonManual, Source: domain.SourceManual},
		{Recipient: "a1b2", Channel: domain.ChannelSMS, Reason: domain.ReasonManual, Source: domain.SourceManual},
		{Recipient: "x@example.com", Channel: domain.ChannelSMS, Reason: domain.ReasonManual, Source: domain.SourceManual},
		{Recipient: "15551234567", Channel: domain.ChannelSMS, Reason: domain.ReasonManual, Source: domain.SourceManual},
	}
	for _, c := range cases {
		_, err := svc.Suppress(ctx, c)
		assert.ErrorIs(t, err, ErrValidation, "%+v", c)
	}
}

func TestLookups_UnnormalizableRecipientIsNotSuppressed(t *testing.T) {
	repo := newMockRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Suppress(ctx, SuppressRequest{
		Recipient: "+1 (555) 000-1111", Channel: domain.ChannelSMS,
		Reason: domain.ReasonUserOptOut, Source: domain.SourcePolicy,
	})
	require.NoError(t, err)
	_, stored := repo.store["sms:+15550001111"]
	assert.True(t, stored)

	for _, in := range []string{"a@example.com", "a1b2", "", "+1555000111a"} {
		ok, err := svc.IsSuppressed(ctx, in, domain.ChannelSMS)
		require.NoError(t, err, in)
		assert.False(t, ok, in)

		_, err = svc.Get(ctx, in, domain.ChannelSMS)
		assert.ErrorIs(t, err, ErrNotFound, in)
		assert.ErrorIs(t, svc.Lift(ctx, in, domain.ChannelSMS), ErrNotFound, in)
	}
}

func TestLift(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	ctx := context.Background()

	err := svc.Lift(ctx, "nobody@example.com", domain.ChannelEmail)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.Suppress(ctx, SuppressRequest{
		Recipient: "x@example.com", Channel: domain.ChannelEmail,
		Reason: domain.ReasonManual, Source: domain.SourceManual,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Lift(ctx, "X@example.com", domain.ChannelEmail))

	_, err = svc.Get(ctx, "x@example.com", domain.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLiftSource_OnlyMatchingSource(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	ctx := context.Background()
	phone := "+15550001111"

	_, err := svc.Suppress(ctx, SuppressRequest{
		Recipient: phone, Channel: domain.ChannelSMS,
		Reason: domain.ReasonHardBounce, Source: domain.SourceBounce,
	})
	require.NoError(t, err)

	lifted, err := svc.LiftSource(ctx, phone, domain.ChannelSMS, domain.SourcePolicy)
	require.NoError(t, err)
	assert.False(t, lifted, "opt-in must not lift a bounce suppression")

	require.NoError(t, svc.Lift(ctx, phone, domain.ChannelSMS))
	_, err = svc.Suppress(ctx, SuppressRequest{
		Recipient: phone, Channel: domain.ChannelSMS,
		Reason: domain.ReasonUserOptOut, Source: domain.SourcePolicy,
	})
	require.NoError(t, err)

	lifted, err = svc.LiftSource(ctx, phone, domain.ChannelSMS, domain.SourcePolicy)
	require.NoError(t, err)
	assert.True(t, lifted)
}

func TestGetStats(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	ctx := context.Background()

	for _, r := range []SuppressRequest{
		{Recipient: "a@example.com", Channel: domain.ChannelEmail, Reason: domain.ReasonHardBounce, Source: domain.SourceBounce},
		{Recipient: "b@example.com", Channel: domain.ChannelEmail, Reason: domain.ReasonSpamReport, Source: domain.SourceSpam},
		{Recipient: "+15550002222", Channel: domain.ChannelSMS, Reason: domain.ReasonUserOptOut, Source: domain.SourcePolicy},
	} {
		_, err := svc.Suppress(ctx, r)
		require.NoError(t, err)
	}

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByChannel["email"])
	assert.Equal(t, 1, stats.BySource["policy"])
	assert.Equal(t, 1, stats.ByReason["spam_report"])
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(ctx context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Actor == "" {
		e.Actor = audit.ActorFrom(ctx)
	}
	r.entries = append(r.entries, e)
}

func TestAudit_RecordsChangesOnly(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recordingAuditor{}
	svc := NewService(newMockRepo(), WithClock(clock.Now), WithAudit(rec))
	ctx := audit.WithActor(context.Background(), "twilio")
	phone := "+15550001111"

	_, err := svc.Suppress(ctx, SuppressRequest{
		Recipient: phone, Channel: domain.ChannelSMS,
		Reason: domain.ReasonUserOptOut, Source: domain.SourcePolicy, Detail: "STOP",
	})
	require.NoError(t, err)
	// a weaker request leaves the entry and the trail alone
	_, err = svc.Suppress(ctx, SuppressRequest{
		Recipient: phone, Channel: domain.ChannelSMS,
		Reason: domain.ReasonUserOptOut, Source: domain.SourcePolicy, TTL: ttl(time.Hour),
	})
	require.NoError(t, err)
	lifted, err := svc.LiftSource(ctx, phone, domain.ChannelSMS, domain.SourcePolicy)
	require.NoError(t, err)
	require.True(t, lifted)
	assert.ErrorIs(t, svc.Lift(ctx, phone, domain.ChannelSMS), ErrNotFound)

	require.Len(t, rec.entries, 2)
	first, second := rec.entries[0], rec.entries[1]
	assert.Equal(t, audit.ActionSuppress, first.Action)
	assert.Equal(t, "twilio", first.Actor)
	assert.Equal(t, "STOP", first.Detail)
	require.NotNil(t, first.ExpiresAt)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), *first.ExpiresAt)
	assert.Equal(t, clock.Now(), first.Timestamp)

	assert.Equal(t, audit.ActionOptIn, second.Action)
	assert.Equal(t, phone, second.Recipient)
	assert.Equal(t, domain.SourcePolicy, second.Source)
}
