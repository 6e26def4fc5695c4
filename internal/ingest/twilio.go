package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// TwilioSignatureHeader carries the request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// Twilio error codes with a fixed meaning for suppression.
const (
	twilioUnsubscribed  = "21610"
	twilioUnreachable   = "30003"
	twilioBlocked       = "30004"
	twilioUnknownNumber = "30005"
	twilioLandline      = "30006"
	twilioCarrierFilter = "30007"
)

var (
	stopKeywords  = []string{"STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT", "OPTOUT", "REVOKE"}
	startKeywords = []string{"START", "YES", "UNSTOP"}
)

// TwilioSignature computes the X-Twilio-Signature value for a form POST:
// base64(HMAC-SHA1(token, url + each key and value in key order)).
func TwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTwilioSignature reports whether signature matches the request.
func VerifyTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := TwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseTwilioStatus maps a message status callback to at most one event.
// Statuses that need no action (queued, sent...) yield nil.
func ParseTwilioStatus(form url.Values) *domain.FailureEvent {
	status := strings.ToLower(form.Get("MessageStatus"))
	ev := &domain.FailureEvent{
		ID:        form.Get("MessageSid") + ":" + status,
		Provider:  "twilio",
		Recipient: form.Get("To"),
		Channel:   domain.ChannelSMS,
	}

	switch status {
	case "delivered":
		ev.Kind = domain.EventDelivered
		return ev
	case "failed", "undelivered":
	default:
		return nil
	}

	code := form.Get("ErrorCode")
	ev.Reason = strings.TrimSpace("twilio error " + code + " " + form.Get("ErrorMessage"))
	switch code {
	case twilioUnsubscribed:
		ev.Kind = domain.EventOptOut
	case twilioBlocked:
		ev.Kind = domain.EventCarrierOptOut
	case twilioUnreachable, twilioUnknownNumber, twilioLandline:
		ev.Kind, ev.Severity = domain.EventBounce, domain.SeverityHard
	case twilioCarrierFilter:
		ev.Kind = domain.EventBlocked
	default:
		ev.Kind, ev.Severity = domain.EventBounce, domain.SeveritySoft
	}
	return ev
}

// ParseTwilioInbound maps an inbound message to an opt-out or opt-in event.
// Twilio's OptOutType parameter wins over keyword matching.
func ParseTwilioInbound(form url.Values) *domain.FailureEvent {
	ev := &domain.FailureEvent{
		ID:        form.Get("MessageSid"),
		Provider:  "twilio",
		Recipient: form.Get("From"),
		Channel:   domain.ChannelSMS,
		Reason:    "inbound keyword",
	}

	keyword := strings.ToUpper(strings.TrimSpace(form.Get("OptOutType")))
	if keyword == "" {
		fields := strings.Fields(strings.ToUpper(form.Get("Body")))
		if len(fields) != 1 {
			return nil
		}
		keyword = fields[0]
	}

	switch {
	case contains(stopKeywords, keyword):
		ev.Kind = domain.EventOptOut
	case contains(startKeywords, keyword):
		ev.Kind = domain.EventOptIn
	default:
		return nil
	}
	return ev
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
