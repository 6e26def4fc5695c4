package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ingest"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httputil"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ratelimit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/notify"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	Health *HealthChecker

	limiter      *ratelimit.Limiter
	abuse        *ratelimit.AbuseTracker
	suppressions *suppression.Service
	audit        *audit.Log
	retries      *retry.Scheduler
	sender       *notify.Sender
	webhooks     *ingest.Handler
}

// NewHandlers creates a new Handlers instance
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		Health:       NewHealthChecker(d.Store, d.DB),
		limiter:      d.Limiter,
		abuse:        d.Abuse,
		suppressions: d.Suppressions,
		audit:        d.Audit,
		retries:      d.Retries,
		sender:       d.Sender,
		webhooks:     d.Webhooks,
	}
}

// QuotaResponse is the rate-limit status body.
type QuotaResponse struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"resetAt"`
}

func quotaResponse(s domain.RateLimitStatus) QuotaResponse {
	return QuotaResponse{Allowed: s.Allowed, Limit: s.Limit, Remaining: s.Remaining, ResetAt: s.ResetAtMillis()}
}

func writeQuota(w http.ResponseWriter, s domain.RateLimitStatus) {
	if s.Allowed {
		httputil.RateLimitHeaders(w, s.Limit, s.Remaining, s.ResetAtMillis())
		httputil.OK(w, quotaResponse(s))
		return
	}
	httputil.TooManyRequests(w, s.Limit, s.Remaining, s.ResetAtMillis(), quotaResponse(s))
}

// pathRecipient reads an escaped recipient path segment.
func pathRecipient(r *http.Request) (domain.Channel, string, error) {
	ch, err := domain.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		return "", "", err
	}
	recipient, err := url.PathUnescape(chi.URLParam(r, "recipient"))
	if err != nil {
		return "", "", err
	}
	return ch, domain.NormalizeRecipient(ch, recipient), nil
}

// SendNotification handles POST /v1/notifications.
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req notify.SendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	res, err := h.sender.Send(r.Context(), req)
	switch {
	case err == nil:
		httputil.RateLimitHeaders(w, res.Status.Limit, res.Status.Remaining, res.Status.ResetAtMillis())
		httputil.OK(w, res)
	case errors.Is(err, notify.ErrValidation),
		errors.Is(err, ratelimit.ErrUnknownCategory),
		errors.Is(err, ratelimit.ErrInvalidSubject):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, notify.ErrRateLimited):
		writeQuota(w, res.Status)
	case errors.Is(err, ratelimit.ErrQuotaUnavailable):
		httputil.Unavailable(w, "quota store unavailable")
	case errors.Is(err, notify.ErrSuppressed):
		httputil.Forbidden(w, "suppressed", "recipient is suppressed", nil)
	case errors.Is(err, notify.ErrProviderRejected):
		httputil.Error(w, http.StatusBadGateway, "provider_rejected", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (h *Handlers) quotaParams(w http.ResponseWriter, r *http.Request) (string, domain.Category, bool) {
	category, err := domain.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return "", "", false
	}
	return chi.URLParam(r, "subjectID"), category, true
}

func (h *Handlers) quotaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrQuotaUnavailable):
		httputil.Unavailable(w, "quota store unavailable")
	case errors.Is(err, ratelimit.ErrUnknownCategory), errors.Is(err, ratelimit.ErrInvalidSubject):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// ConsumeQuota handles POST /v1/quota/{category}/{subjectID}. A rejection
// is recorded in the abuse log.
func (h *Handlers) ConsumeQuota(w http.ResponseWriter, r *http.Request) {
	subjectID, category, ok := h.quotaParams(w, r)
	if !ok {
		return
	}
	status, err := h.limiter.CheckAndConsume(r.Context(), subjectID, category)
	if err != nil {
		h.quotaError(w, err)
		return
	}
	if !status.Allowed {
		meta := map[string]string{"ip": r.RemoteAddr, "path": r.URL.Path}
		if err := h.abuse.Record(r.Context(), subjectID, category, status.Count+1, meta); err != nil {
			logger.Warn("could not record abuse", "subject_id", subjectID, "error", err)
		}
	}
	writeQuota(w, status)
}

// PeekQuota handles GET /v1/quota/{category}/{subjectID}.
func (h *Handlers) PeekQuota(w http.ResponseWriter, r *http.Request) {
	subjectID, category, ok := h.quotaParams(w, r)
	if !ok {
		return
	}
	status, err := h.limiter.Peek(r.Context(), subjectID, category)
	if err != nil {
		h.quotaError(w, err)
		return
	}
	httputil.RateLimitHeaders(w, status.Limit, status.Remaining, status.ResetAtMillis())
	httputil.OK(w, quotaResponse(status))
}

// ListAbuse handles GET /v1/abuse/{category}/{subjectID}.
func (h *Handlers) ListAbuse(w http.ResponseWriter, r *http.Request) {
	subjectID, category, ok := h.quotaParams(w, r)
	if !ok {
		return
	}
	records, err := h.abuse.List(r.Context(), subjectID, category)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"records": records, "count": len(records)})
}
