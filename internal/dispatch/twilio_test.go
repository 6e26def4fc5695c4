package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

func smsMessage() domain.Message {
	return domain.Message{ID: "n-2", Recipient: "+15550001111", Channel: domain.ChannelSMS, Body: "Your code is 123456"}
}

func TestTwilio_Dispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001111", r.PostForm.Get("To"))
		assert.Equal(t, "+15559990000", r.PostForm.Get("From"))
		assert.Equal(t, "Your code is 123456", r.PostForm.Get("Body"))
		assert.Equal(t, "https://notify.nftopia.io/webhooks/twilio/status", r.PostForm.Get("StatusCallback"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued","error_code":null}`))
	}))
	defer srv.Close()

	d := NewTwilioDispatcher(config.TwilioConfig{
		AccountSID: "AC123", AuthToken: "secret", From: "+15559990000", BaseURL: srv.URL,
		StatusCallback: "https://notify.nftopia.io/webhooks/twilio/status",
	})
	id, err := d.Dispatch(context.Background(), smsMessage())
	require.NoError(t, err)
	assert.Equal(t, "SM42", id)
}

func TestTwilio_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	d := NewTwilioDispatcher(config.TwilioConfig{AccountSID: "AC123", AuthToken: "secret", From: "+15559990000", BaseURL: srv.URL})
	_, err := d.Dispatch(context.Background(), smsMessage())

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "21211", perr.Code)
	assert.Equal(t, "twilio", perr.Provider)
}
