package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httpretry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httputil"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/bounce"
)

const maxWebhookBody = 1 << 20

// HandlerConfig holds webhook secrets.
type HandlerConfig struct {
	SendGridToken   string
	TwilioAuthToken string
	// PublicBaseURL is the origin Twilio signed the request against. When
	// empty it is rebuilt from the request and X-Forwarded-Proto.
	PublicBaseURL        string
	SkipTwilioValidation bool
	// SNSTopicARNs limits /webhooks/ses to these topics when non-empty.
	SNSTopicARNs        []string
	SkipSNSVerification bool
}

// Handler serves provider webhooks.
type Handler struct {
	proc   Processor
	cfg    HandlerConfig
	client httpretry.HTTPDoer
	sns    *SNSVerifier
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient sets the client used to confirm SNS subscriptions and
// fetch signing certificates.
func WithHTTPClient(c httpretry.HTTPDoer) HandlerOption {
	return func(h *Handler) { h.client = c }
}

// NewHandler serves webhooks into p. SNS deliveries are verified unless
// cfg.SkipSNSVerification is set.
func NewHandler(p Processor, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	h := &Handler{
		proc:   p,
		cfg:    cfg,
		client: httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sns = NewSNSVerifier(h.client, cfg.SNSTopicARNs)
	return h
}

// WebhookResponse is the body returned for an accepted batch.
type WebhookResponse struct {
	Received int `json:"received"`
	Skipped  int `json:"skipped"`
	bounce.BatchResult
}

func (h *Handler) process(ctx context.Context, provider string, events []domain.FailureEvent, skipped int) WebhookResponse {
	res := h.proc.ProcessBatch(ctx, events)
	if res.Failed > 0 || res.Invalid > 0 {
		logger.Warn("webhook batch had failures",
			"provider", provider, "received", len(events), "failed", res.Failed, "invalid", res.Invalid)
	}
	return WebhookResponse{Received: len(events), Skipped: skipped, BatchResult: res}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httputil.BadRequest(w, "could not read body")
		return nil, false
	}
	return body, true
}

// SendGrid handles POST /webhooks/sendgrid.
func (h *Handler) SendGrid(w http.ResponseWriter, r *http.Request) {
	if !VerifySendGridToken(h.cfg.SendGridToken, r.Header.Get(SendGridTokenHeader)) {
		logger.Warn("sendgrid webhook rejected", "remote", r.RemoteAddr)
		httputil.Unauthorized(w, "invalid webhook token")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	events, skipped, err := ParseSendGrid(body)
	if err != nil {
		httputil.BadRequest(w, "payload must be a JSON array of events")
		return
	}
	httputil.OK(w, h.process(r.Context(), "sendgrid", events, skipped))
}

// SES handles POST /webhooks/ses, an SNS HTTP subscription.
func (h *Handler) SES(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	env, err := ParseSNSEnvelope(body)
	if err != nil {
		httputil.BadRequest(w, "invalid SNS message")
		return
	}
	if err := h.verifySNS(r.Context(), env); err != nil {
		logger.Warn("sns message rejected",
			"topic", env.TopicArn, "sns_message_id", env.MessageID, "remote", r.RemoteAddr, "error", err)
		httputil.Error(w, http.StatusForbidden, "forbidden", "sns message failed verification")
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		if err := h.confirmSubscription(r.Context(), env); err != nil {
			logger.Error("sns subscription confirmation failed", "topic", env.TopicArn, "error", err)
			httputil.BadRequest(w, "subscription confirmation failed")
			return
		}
		httputil.OK(w, map[string]string{"status": "confirmed"})
	case "Notification":
		events, err := ParseSES([]byte(env.Message))
		if err != nil {
			logger.Warn("unparseable SES notification", "sns_message_id", env.MessageID, "error", err)
			httputil.OK(w, WebhookResponse{Skipped: 1})
			return
		}
		httputil.OK(w, h.process(r.Context(), "ses", events, 0))
	default:
		logger.Info("ignoring SNS message", "type", env.Type, "topic", env.TopicArn)
		httputil.OK(w, WebhookResponse{Skipped: 1})
	}
}

func (h *Handler) verifySNS(ctx context.Context, env SNSEnvelope) error {
	if h.cfg.SkipSNSVerification {
		if !h.sns.TopicAllowed(env.TopicArn) {
			return fmt.Errorf("%w: topic %q is not allowed", ErrSNSVerification, env.TopicArn)
		}
		return nil
	}
	return h.sns.Verify(ctx, env)
}

func (h *Handler) confirmSubscription(ctx context.Context, env SNSEnvelope) error {
	if !trustedSubscribeURL(env.SubscribeURL) {
		return errors.New("untrusted SubscribeURL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return errors.New("subscribe url returned " + resp.Status)
	}
	logger.Info("sns subscription confirmed", "topic", env.TopicArn)
	return nil
}

func (h *Handler) twilioURL(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return strings.TrimRight(h.cfg.PublicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// twilioForm parses and authenticates a Twilio form POST.
func (h *Handler) twilioForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "invalid form body")
		return false
	}
	if h.cfg.SkipTwilioValidation {
		return true
	}
	if !VerifyTwilioSignature(h.cfg.TwilioAuthToken, h.twilioURL(r), r.PostForm, r.Header.Get(TwilioSignatureHeader)) {
		logger.Warn("twilio webhook signature rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
		httputil.Error(w, http.StatusForbidden, "forbidden", "invalid signature")
		return false
	}
	return true
}

// TwilioStatus handles POST /webhooks/twilio/status.
func (h *Handler) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if !h.twilioForm(w, r) {
		return
	}
	ev := ParseTwilioStatus(r.PostForm)
	if ev == nil {
		httputil.OK(w, WebhookResponse{Skipped: 1})
		return
	}
	httputil.OK(w, h.process(r.Context(), "twilio", []domain.FailureEvent{*ev}, 0))
}

// TwilioInbound handles POST /webhooks/twilio/inbound and answers with
// empty TwiML so Twilio sends no auto-reply of its own.
func (h *Handler) TwilioInbound(w http.ResponseWriter, r *http.Request) {
	if !h.twilioForm(w, r) {
		return
	}
	if ev := ParseTwilioInbound(r.PostForm); ev != nil {
		h.process(r.Context(), "twilio", []domain.FailureEvent{*ev}, 0)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}
