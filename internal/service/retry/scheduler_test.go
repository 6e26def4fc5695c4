package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/distlock"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/repository/kv"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualDeferrer records arms instead of starting timers.
type manualDeferrer struct {
	mu    sync.Mutex
	armed map[string]time.Time
	fns   map[string]func()
}

func newManualDeferrer() *manualDeferrer {
	return &manualDeferrer{armed: map[string]time.Time{}, fns: map[string]func(){}}
}

func (d *manualDeferrer) Arm(key string, at time.Time, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed[key] = at
	d.fns[key] = fire
}

func (d *manualDeferrer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.armed, key)
	delete(d.fns, key)
}

func (d *manualDeferrer) Stop() {}

func (d *manualDeferrer) At(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.armed[key]
	return at, ok
}

// fakeDispatcher records sends and fails while failNext > 0.
type fakeDispatcher struct {
	mu       sync.Mutex
	sent     []domain.Message
	failNext int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg domain.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("provider 503")
	}
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

func (f *fakeDispatcher) Sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	clock    *simClock
	store    *store.MemoryStore
	supp     *suppression.Service
	disp     *fakeDispatcher
	deferrer *manualDeferrer
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &simClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStoreWithClock(clock.Now)
	supp := suppression.NewService(kv.NewSuppressionRepo(st), suppression.WithClock(clock.Now))
	disp := &fakeDispatcher{}
	def := newManualDeferrer()
	sched := NewScheduler(st, supp, disp, WithDeferrer(def), WithClock(clock.Now))
	return &fixture{clock: clock, store: st, supp: supp, disp: disp, deferrer: def, sched: sched}
}

func payload(recipient string) domain.Message {
	return domain.Message{ID: "n-1", Recipient: recipient, Channel: domain.ChannelEmail, Subject: "Outbid", Body: "You were outbid"}
}

func TestScheduleRetry_PersistsIndexesAndArms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.sched.ScheduleRetry(ctx, RetryRequest{
		Recipient: "B@example.com", Channel: domain.ChannelEmail, OriginalEventID: "sg-1",
		Payload: payload("b@example.com"), Attempt: 1, Delay: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", st.Recipient)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), st.NextAttemptAt)

	assert.Equal(t, 5*time.Minute+DefaultGrace, f.store.TTL("retry:email:b@example.com"))
	members, _ := f.store.Members(ctx, indexKey)
	assert.Equal(t, []string{"email:b@example.com"}, members)
	at, ok := f.deferrer.At("email:b@example.com")
	require.True(t, ok)
	assert.Equal(t, st.NextAttemptAt, at)

	got, err := f.sched.State(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "sg-1", got.OriginalEventID)
	assert.Equal(t, 1, got.Attempt)
}

func TestScheduleRetry_DuplicateAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: time.Minute}

	first, err := f.sched.ScheduleRetry(ctx, req)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	again, err := f.sched.ScheduleRetry(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateRetry)
	assert.Equal(t, first.NextAttemptAt, again.NextAttemptAt, "state is not mutated")

	req.Attempt = 2
	next, err := f.sched.ScheduleRetry(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.FirstAttemptAt, next.FirstAttemptAt, "cycle start is preserved")
}

func TestScheduleRetry_Invalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.ScheduleRetry(context.Background(), RetryRequest{Recipient: "", Channel: domain.ChannelEmail, Attempt: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.sched.ScheduleRetry(context.Background(), RetryRequest{Recipient: "x@example.com", Channel: domain.ChannelEmail, Attempt: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFire_NotDueRearms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: time.Hour})
	require.NoError(t, err)

	out, err := f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireNotDue, out)
	assert.Equal(t, 0, f.disp.Sent())
}

func TestFire_DispatchesAndAwaitsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: 5 * time.Minute})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	out, err := f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireDispatched, out)
	assert.Equal(t, 1, f.disp.Sent())

	st, err := f.sched.State(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, st.AwaitingOutcome())
	assert.Equal(t, 1, st.Attempt)
	members, _ := f.store.Members(ctx, indexKey)
	assert.Empty(t, members)

	// a second fire is a no-op
	out, err = f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireMissing, out)
	assert.Equal(t, 1, f.disp.Sent())
}

func TestFire_SuppressedRecipientIsNotDispatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: 5 * time.Minute})
	require.NoError(t, err)

	_, err = f.supp.Suppress(ctx, suppression.SuppressRequest{
		Recipient: "b@example.com", Channel: domain.ChannelEmail,
		Reason: domain.ReasonHardBounce, Source: domain.SourceBounce,
	})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	out, err := f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireSuppressed, out)
	assert.Equal(t, 0, f.disp.Sent())

	_, err = f.sched.State(ctx, "b@example.com", domain.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFire_FailuresBackOffThenSuppress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disp.failNext = 2

	_, err := f.sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: 5 * time.Minute})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	out, err := f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireRescheduled, out)

	st, err := f.sched.State(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), st.NextAttemptAt)

	f.clock.Advance(30 * time.Minute)
	out, err = f.sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireExhausted, out)

	entry, err := f.supp.Get(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMaxRetries, entry.Reason)
	assert.Nil(t, entry.ExpiresAt)

	_, err = f.sched.State(ctx, "b@example.com", domain.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
	_, armed := f.deferrer.At("email:b@example.com")
	assert.False(t, armed, "nothing further scheduled")
	assert.Equal(t, 0, f.disp.Sent())
}

func TestFire_LockedElsewhere(t *testing.T) {
	clock := &simClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStoreWithClock(clock.Now)
	supp := suppression.NewService(kv.NewSuppressionRepo(st), suppression.WithClock(clock.Now))
	locks := distlock.NewLocalFactory()
	disp := &fakeDispatcher{}
	sched := NewScheduler(st, supp, disp, WithDeferrer(newManualDeferrer()), WithClock(clock.Now), WithLocks(locks))
	ctx := context.Background()

	_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1})
	require.NoError(t, err)

	held := locks.NewLock("retry:email:b@example.com", time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireLocked, out)
	assert.Equal(t, 0, disp.Sent())
}

// hookDispatcher runs during to simulate work landing while the provider
// call is in flight.
type hookDispatcher struct {
	during func()
	err    error
}

func (h *hookDispatcher) Dispatch(context.Context, domain.Message) (string, error) {
	if h.during != nil {
		h.during()
	}
	if h.err != nil {
		return "", h.err
	}
	return "msg-1", nil
}

func TestFire_RetryScheduledDuringDispatchSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	disp := &hookDispatcher{}
	sched := NewScheduler(f.store, f.supp, disp, WithDeferrer(f.deferrer), WithClock(f.clock.Now))

	_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: 5 * time.Minute})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	disp.during = func() {
		_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Attempt: 2, Delay: 30 * time.Minute})
		require.NoError(t, err)
	}
	out, err := sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireSuperseded, out)

	st, err := sched.State(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempt)
	assert.Nil(t, st.DispatchedAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), st.NextAttemptAt)

	members, _ := f.store.Members(ctx, indexKey)
	assert.Equal(t, []string{"email:b@example.com"}, members)
	at, armed := f.deferrer.At("email:b@example.com")
	require.True(t, armed, "the newer retry keeps its timer")
	assert.Equal(t, st.NextAttemptAt, at)
}

func TestFire_CancelDuringFailedDispatchIsNotUndone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	disp := &hookDispatcher{err: errors.New("provider 503")}
	sched := NewScheduler(f.store, f.supp, disp, WithDeferrer(f.deferrer), WithClock(f.clock.Now))

	_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1})
	require.NoError(t, err)

	disp.during = func() {
		require.NoError(t, sched.Cancel(ctx, "b@example.com", domain.ChannelEmail))
	}
	out, err := sched.Fire(ctx, "b@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, FireSuperseded, out)

	_, err = sched.State(ctx, "b@example.com", domain.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound, "no retry is resurrected")
	members, _ := f.store.Members(ctx, indexKey)
	assert.Empty(t, members)
}

func TestRecover_CountsOnlyFiredJobs(t *testing.T) {
	clock := &simClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStoreWithClock(clock.Now)
	supp := suppression.NewService(kv.NewSuppressionRepo(st), suppression.WithClock(clock.Now))
	locks := distlock.NewLocalFactory()
	disp := &fakeDispatcher{}
	sched := NewScheduler(st, supp, disp, WithDeferrer(newManualDeferrer()), WithClock(clock.Now), WithLocks(locks))
	ctx := context.Background()

	for _, r := range []string{"held@example.com", "free@example.com"} {
		_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: r, Channel: domain.ChannelEmail, Payload: payload(r), Attempt: 1})
		require.NoError(t, err)
	}
	held := locks.NewLock("retry:email:held@example.com", time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Fired)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, disp.Sent())
}

func TestRecover_AfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, r := range []struct {
		recipient string
		delay     time.Duration
	}{
		{"due@example.com", time.Minute},
		{"later@example.com", time.Hour},
	} {
		_, err := f.sched.ScheduleRetry(ctx, RetryRequest{Recipient: r.recipient, Channel: domain.ChannelEmail, Payload: payload(r.recipient), Attempt: 1, Delay: r.delay})
		require.NoError(t, err)
	}
	_, _ = f.store.AddMember(ctx, indexKey, "email:gone@example.com")
	_, _ = f.store.AddMember(ctx, indexKey, "garbage")

	// a fresh instance with no timers, as after a crash
	f.clock.Advance(time.Minute)
	def := newManualDeferrer()
	restarted := NewScheduler(f.store, f.supp, f.disp, WithDeferrer(def), WithClock(f.clock.Now))

	stats, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 1, stats.Fired)
	assert.Equal(t, 1, stats.Rearmed)
	assert.Equal(t, 2, stats.Pruned)

	assert.Equal(t, 1, f.disp.Sent())
	_, armed := def.At("email:later@example.com")
	assert.True(t, armed)

	members, _ := f.store.Members(ctx, indexKey)
	assert.Equal(t, []string{"email:later@example.com"}, members)
}

func TestRecover_RedisWithDistributedLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rs := store.NewRedisStore(client, store.DefaultPrefix)
	supp := suppression.NewService(kv.NewSuppressionRepo(rs))
	disp := &fakeDispatcher{}
	ctx := context.Background()

	newSched := func() *Scheduler {
		return NewScheduler(rs, supp, disp,
			WithDeferrer(newManualDeferrer()),
			WithLocks(distlock.NewFactory(client, store.DefaultPrefix)))
	}

	_, err := newSched().ScheduleRetry(ctx, RetryRequest{Recipient: "+15551234567", Channel: domain.ChannelSMS, Payload: domain.Message{Recipient: "+15551234567", Channel: domain.ChannelSMS, Body: "hi"}, Attempt: 1, Delay: 0})
	require.NoError(t, err)
	assert.True(t, mr.Exists("nftopia:notify:retry:sms:+15551234567"))

	// two instances recovering at once dispatch the job once
	var wg sync.WaitGroup
	var fired int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := newSched().Recover(ctx)
			if err == nil {
				atomic.AddInt32(&fired, int32(stats.Fired))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, disp.Sent())
	assert.Equal(t, int32(1), fired, "only the instance that dispatched counts it")
	assert.False(t, mr.Exists("lock:nftopia:notify:retry:sms:+15551234567"), "lock released")
}

func TestRun_FiresWithTimers(t *testing.T) {
	st := store.NewMemoryStore()
	supp := suppression.NewService(kv.NewSuppressionRepo(st))
	disp := &fakeDispatcher{}
	sched := NewScheduler(st, supp, disp, WithTimings(0, time.Second, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	_, err := sched.ScheduleRetry(ctx, RetryRequest{Recipient: "b@example.com", Channel: domain.ChannelEmail, Payload: payload("b@example.com"), Attempt: 1, Delay: 10 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return disp.Sent() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
