package tests

// User story tests for the notification delivery-reliability service.
// Each story runs the real components against Redis (miniredis), with two
// service instances sharing one store where the story needs it.

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ingest"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/distlock"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ratelimit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/repository/kv"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/bounce"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/notify"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualDeferrer never fires on its own; stories drive recovery scans.
type manualDeferrer struct{}

func (manualDeferrer) Arm(string, time.Time, func()) {}
func (manualDeferrer) Cancel(string)                 {}
func (manualDeferrer) Stop()                         {}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []domain.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg domain.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return "prov-" + msg.ID, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// instance is one service process: its own Redis client and components,
// sharing the Redis server with every other instance in the story.
type instance struct {
	store      *store.RedisStore
	limiter    *ratelimit.Limiter
	abuse      *ratelimit.AbuseTracker
	supp       *suppression.Service
	sched      *retry.Scheduler
	classifier *bounce.Classifier
	sender     *notify.Sender
	disp       *recordingDispatcher
}

// TestContext holds shared test infrastructure
type TestContext struct {
	MiniR *miniredis.Miniredis
	Clock *clock
	Ctx   context.Context
}

func setupTestContext(t *testing.T) *TestContext {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return &TestContext{
		MiniR: miniredis.RunT(t),
		Clock: &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		Ctx:   ctx,
	}
}

func (tc *TestContext) newInstance(t *testing.T) *instance {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: tc.MiniR.Addr()})
	rs := store.NewRedisStore(client, "nftopia:notify")
	t.Cleanup(func() { _ = rs.Close() })

	now := tc.Clock.Now
	supp := suppression.NewService(kv.NewSuppressionRepo(rs), suppression.WithClock(now))
	limiter := ratelimit.NewLimiter(rs, nil, ratelimit.WithClock(now))
	abuse := ratelimit.NewAbuseTracker(rs)
	disp := &recordingDispatcher{}
	sched := retry.NewScheduler(rs, supp, disp,
		retry.WithDeferrer(manualDeferrer{}),
		retry.WithLocks(distlock.NewFactory(client, "nftopia:notify:lock")),
		retry.WithClock(now),
	)
	snaps := notify.NewSnapshotStore(rs, 24*time.Hour)
	return &instance{
		store:      rs,
		limiter:    limiter,
		abuse:      abuse,
		supp:       supp,
		sched:      sched,
		classifier: bounce.NewClassifier(rs, supp, sched, bounce.WithSnapshots(snaps), bounce.WithClock(now)),
		sender:     notify.NewSender(limiter, abuse, supp, disp, snaps),
		disp:       disp,
	}
}

func bidAlert(recipient string) notify.SendRequest {
	return notify.SendRequest{
		SubjectID: "collector-9", Recipient: recipient, Channel: domain.ChannelEmail,
		Category: domain.CategoryBidAlert, Subject: "You were outbid", Body: "Lot #12 has a new high bid",
	}
}

// =============================================================================
// US-001: Bid alert throttling is shared across instances
// =============================================================================

func TestUS001_BidAlertThrottlingAcrossInstances(t *testing.T) {
	tc := setupTestContext(t)
	a, b := tc.newInstance(t), tc.newInstance(t)

	t.Run("Criterion1_CapIsGlobalNotPerInstance", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			st, err := a.limiter.CheckAndConsume(tc.Ctx, "collector-1", domain.CategoryBidAlert)
			require.NoError(t, err)
			assert.True(t, st.Allowed)
		}
		for i := 0; i < 2; i++ {
			st, err := b.limiter.CheckAndConsume(tc.Ctx, "collector-1", domain.CategoryBidAlert)
			require.NoError(t, err)
			assert.True(t, st.Allowed)
		}

		st, err := b.limiter.CheckAndConsume(tc.Ctx, "collector-1", domain.CategoryBidAlert)
		require.NoError(t, err)
		assert.False(t, st.Allowed)
		assert.Equal(t, 0, st.Remaining)

		peek, err := a.limiter.Peek(tc.Ctx, "collector-1", domain.CategoryBidAlert)
		require.NoError(t, err)
		assert.Equal(t, 0, peek.Remaining)
	})

	t.Run("Criterion2_RejectionIsRecordedAsAbuse", func(t *testing.T) {
		_, err := b.sender.Send(tc.Ctx, notify.SendRequest{
			SubjectID: "collector-1", Recipient: "c1@example.com", Channel: domain.ChannelEmail,
			Category: domain.CategoryBidAlert, Subject: "Outbid", Body: "again",
		})
		assert.ErrorIs(t, err, notify.ErrRateLimited)

		records, err := a.abuse.List(tc.Ctx, "collector-1", domain.CategoryBidAlert)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 6, records[0].AttemptCount)
	})

	t.Run("Criterion3_AdmissionResumesAfterWindow", func(t *testing.T) {
		tc.Clock.Advance(time.Hour + time.Millisecond)
		st, err := a.limiter.CheckAndConsume(tc.Ctx, "collector-1", domain.CategoryBidAlert)
		require.NoError(t, err)
		assert.True(t, st.Allowed)
		assert.Equal(t, 4, st.Remaining)
	})
}

// =============================================================================
// US-002: Security codes are never throttled
// =============================================================================

func TestUS002_TwoFactorBypass(t *testing.T) {
	tc := setupTestContext(t)
	a := tc.newInstance(t)

	for i := 0; i < 50; i++ {
		res, err := a.sender.Send(tc.Ctx, notify.SendRequest{
			SubjectID: "user-2", Recipient: "+15550001111", Channel: domain.ChannelSMS,
			Category: domain.CategoryTwoFactor, Body: "Your code is 123456",
		})
		require.NoError(t, err)
		assert.Equal(t, -1, res.Status.Remaining)
	}
	assert.Equal(t, 50, a.disp.count())
}

// =============================================================================
// US-003: A hard bounce blocks every later send
// =============================================================================

func TestUS003_HardBounceBlocksSends(t *testing.T) {
	tc := setupTestContext(t)
	a, b := tc.newInstance(t), tc.newInstance(t)

	body := []byte(`[
		{"email":"gone@example.com","timestamp":1780000000,"event":"bounce","type":"hard","reason":"550 5.1.1","sg_event_id":"sg-1"},
		{"email":"gone@example.com","timestamp":1780000000,"event":"bounce","type":"hard","reason":"550 5.1.1","sg_event_id":"sg-1"},
		{"email":"other@example.com","timestamp":1780000000,"event":"open","sg_event_id":"sg-2"}
	]`)
	events, skipped, err := ingest.ParseSendGrid(body)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	res := a.classifier.ProcessBatch(tc.Ctx, events)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Duplicates)

	_, err = b.sender.Send(tc.Ctx, bidAlert("gone@example.com"))
	assert.ErrorIs(t, err, notify.ErrSuppressed)
	assert.Zero(t, b.disp.count())

	entry, err := b.supp.Get(tc.Ctx, "gone@example.com", domain.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, entry.Permanent())
	assert.Equal(t, domain.ReasonHardBounce, entry.Reason)
}

// =============================================================================
// US-004: Soft bounces retry, survive a restart, then give up
// =============================================================================

func TestUS004_SoftBounceRetriesSurviveRestart(t *testing.T) {
	tc := setupTestContext(t)
	a := tc.newInstance(t)
	const rcpt = "full@example.com"

	_, err := a.sender.Send(tc.Ctx, bidAlert(rcpt))
	require.NoError(t, err)

	soft := func(id string) domain.FailureEvent {
		return domain.FailureEvent{
			ID: id, Provider: "sendgrid", Recipient: rcpt, Channel: domain.ChannelEmail,
			Kind: domain.EventBounce, Severity: domain.SeveritySoft, Reason: "452 mailbox full",
		}
	}

	t.Run("Criterion1_FirstSoftBounceSchedulesRetryIn5m", func(t *testing.T) {
		out, err := a.classifier.Process(tc.Ctx, soft("sb-1"))
		require.NoError(t, err)
		assert.Equal(t, bounce.OutcomeRetryScheduled, out)

		st, err := a.sched.State(tc.Ctx, rcpt, domain.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Attempt)
		assert.Equal(t, 5*time.Minute, st.NextAttemptAt.Sub(st.FirstAttemptAt))
		assert.Equal(t, "Lot #12 has a new high bid", st.Payload.Body)
	})

	// Instance A dies with the retry timer armed; B starts later and
	// recovers it from the store.
	b := tc.newInstance(t)

	t.Run("Criterion2_RecoveryScanFiresDueRetry", func(t *testing.T) {
		tc.Clock.Advance(5*time.Minute + time.Second)
		stats, err := b.sched.Recover(tc.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Fired)
		require.Equal(t, 1, b.disp.count())
		assert.Equal(t, "Lot #12 has a new high bid", b.disp.sent[0].Body)
	})

	t.Run("Criterion3_SecondSoftBounceBacksOffTo30m", func(t *testing.T) {
		out, err := b.classifier.Process(tc.Ctx, soft("sb-2"))
		require.NoError(t, err)
		assert.Equal(t, bounce.OutcomeRetryScheduled, out)

		st, err := b.sched.State(tc.Ctx, rcpt, domain.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Attempt)
		assert.Equal(t, 30*time.Minute, st.NextAttemptAt.Sub(tc.Clock.Now()))

		tc.Clock.Advance(30*time.Minute + time.Second)
		stats, err := b.sched.Recover(tc.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Fired)
	})

	t.Run("Criterion4_ThirdSoftBounceSuppresses", func(t *testing.T) {
		out, err := a.classifier.Process(tc.Ctx, soft("sb-3"))
		require.NoError(t, err)
		assert.Equal(t, bounce.OutcomeExhausted, out)

		entry, err := a.supp.Get(tc.Ctx, rcpt, domain.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonMaxRetries, entry.Reason)

		_, err = a.sched.State(tc.Ctx, rcpt, domain.ChannelEmail)
		assert.ErrorIs(t, err, retry.ErrNotFound)

		_, err = a.sender.Send(tc.Ctx, bidAlert(rcpt))
		assert.ErrorIs(t, err, notify.ErrSuppressed)
	})
}

// =============================================================================
// US-005: SMS STOP and START keywords
// =============================================================================

func TestUS005_SMSOptOutAndOptIn(t *testing.T) {
	tc := setupTestContext(t)
	a := tc.newInstance(t)
	const phone = "+15557654321"

	sms := notify.SendRequest{
		SubjectID: "user-5", Recipient: phone, Channel: domain.ChannelSMS,
		Category: domain.CategoryNFTPurchase, Body: "Your NFT purchase is confirmed",
	}

	stop := ingest.ParseTwilioInbound(url.Values{"MessageSid": {"SM1"}, "From": {phone}, "Body": {" stop "}})
	require.NotNil(t, stop)
	out, err := a.classifier.Process(tc.Ctx, *stop)
	require.NoError(t, err)
	assert.Equal(t, bounce.OutcomeSuppressed, out)

	entry, err := a.supp.Get(tc.Ctx, phone, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, 30*24*time.Hour, entry.ExpiresAt.Sub(tc.Clock.Now()))

	_, err = a.sender.Send(tc.Ctx, sms)
	assert.ErrorIs(t, err, notify.ErrSuppressed)

	start := ingest.ParseTwilioInbound(url.Values{"MessageSid": {"SM2"}, "From": {phone}, "Body": {"START"}})
	require.NotNil(t, start)
	out, err = a.classifier.Process(tc.Ctx, *start)
	require.NoError(t, err)
	assert.Equal(t, bounce.OutcomeLifted, out)

	_, err = a.sender.Send(tc.Ctx, sms)
	require.NoError(t, err)
}
