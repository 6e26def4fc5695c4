package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

const sendGridBatch = `[
  {"email":"a@example.com","timestamp":1700000000,"event":"bounce","type":"hard","reason":"550 5.1.1","sg_event_id":"ev-1"},
  {"email":"b@example.com","timestamp":1700000001,"event":"bounce","type":"soft","reason":"mailbox full","sg_event_id":"ev-2"},
  {"email":"c@example.com","timestamp":1700000002,"event":"bounce","sg_event_id":"ev-3"},
  {"email":"d@example.com","timestamp":1700000003,"event":"spamreport","sg_event_id":"ev-4"},
  {"email":"e@example.com","timestamp":1700000004,"event":"open","sg_event_id":"ev-5"},
  {"email":"f@example.com","timestamp":1700000005,"event":"delivered","sg_event_id":"ev-6"}
]`

func TestParseSendGrid(t *testing.T) {
	events, skipped, err := ParseSendGrid([]byte(sendGridBatch))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, events, 5)

	assert.Equal(t, domain.EventBounce, events[0].Kind)
	assert.Equal(t, domain.SeverityHard, events[0].Severity)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].Timestamp)
	assert.Equal(t, domain.SeveritySoft, events[1].Severity)
	assert.Equal(t, domain.SeverityUnset, events[2].Severity)
	assert.Equal(t, domain.EventSpamReport, events[3].Kind)
	assert.Equal(t, domain.EventDelivered, events[4].Kind)
	for _, ev := range events {
		assert.Equal(t, domain.ChannelEmail, ev.Channel)
		assert.Equal(t, "sendgrid", ev.Provider)
	}

	_, _, err = ParseSendGrid([]byte(`{"event":"bounce"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseSendGrid_UnknownBounceTypeIsMarked(t *testing.T) {
	events, _, err := ParseSendGrid([]byte(`[{"email":"a@example.com","event":"bounce","type":"bogus","sg_event_id":"ev-9"}]`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityUnknown, events[0].Severity, "never escalated to hard")
}

func TestParseSendGrid_Unsubscribes(t *testing.T) {
	events, skipped, err := ParseSendGrid([]byte(`[
	  {"email":"a@example.com","timestamp":1700000000,"event":"unsubscribe","sg_event_id":"u-1"},
	  {"email":"b@example.com","timestamp":1700000001,"event":"group_unsubscribe","asm_group_id":42,"sg_event_id":"u-2"},
	  {"email":"b@example.com","timestamp":1700000002,"event":"group_resubscribe","asm_group_id":42,"sg_event_id":"u-3"}
	]`))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventOptOut, events[0].Kind)
	assert.Equal(t, domain.EventOptOut, events[1].Kind)
	assert.Equal(t, "group_unsubscribe asm_group=42", events[1].Reason)
	assert.Equal(t, domain.EventOptIn, events[2].Kind)
	for _, ev := range events {
		assert.Equal(t, domain.SeverityUnset, ev.Severity)
	}
}

func TestVerifySendGridToken(t *testing.T) {
	assert.True(t, VerifySendGridToken("s3cret", "s3cret"))
	assert.False(t, VerifySendGridToken("s3cret", "wrong"))
	assert.False(t, VerifySendGridToken("", ""))
}

func TestHandler_SendGrid(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]bool{"b@example.com": true}}
	h := NewHandler(proc, HandlerConfig{SendGridToken: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(sendGridBatch))
	rec := httptest.NewRecorder()
	h.SendGrid(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, proc.Events())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(sendGridBatch))
	req.Header.Set(SendGridTokenHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.SendGrid(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Received)
	assert.Equal(t, 1, body.Skipped)
	assert.Equal(t, 4, body.Processed)
	assert.Equal(t, 1, body.Failed)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(`not json`))
	req.Header.Set(SendGridTokenHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.SendGrid(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
