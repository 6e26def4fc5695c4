package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httputil"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
)

// CreateSuppressionRequest is the body of POST /v1/suppressions.
// TTLSeconds nil applies the source default; 0 is permanent.
type CreateSuppressionRequest struct {
	Recipient  string `json:"recipient"`
	Channel    string `json:"channel"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
	Detail     string `json:"detail"`
	TTLSeconds *int64 `json:"ttl_seconds"`
}

// CreateSuppression handles POST /v1/suppressions.
func (h *Handlers) CreateSuppression(w http.ResponseWriter, r *http.Request) {
	var req CreateSuppressionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	ch, err := domain.ParseChannel(req.Channel)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sreq := suppression.SuppressRequest{
		Recipient: req.Recipient,
		Channel:   ch,
		Reason:    domain.SuppressionReason(req.Reason),
		Source:    domain.SuppressionSource(req.Source),
		Detail:    req.Detail,
	}
	if sreq.Reason == "" {
		sreq.Reason = domain.ReasonManual
	}
	if sreq.Source == "" {
		sreq.Source = domain.SourceManual
	}
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			httputil.BadRequest(w, "ttl_seconds must not be negative")
			return
		}
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		sreq.TTL = &ttl
	}

	entry, err := h.suppressions.Suppress(r.Context(), sreq)
	if errors.Is(err, suppression.ErrValidation) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, entry)
}

// ListSuppressions handles GET /v1/suppressions.
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := suppression.ListFilter{
		Source: domain.SuppressionSource(q.Get("source")),
		Reason: domain.SuppressionReason(q.Get("reason")),
	}
	if c := q.Get("channel"); c != "" {
		ch, err := domain.ParseChannel(c)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		filter.Channel = ch
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	entries, err := h.suppressions.List(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"suppressions": entries, "count": len(entries)})
}

// SuppressionStats handles GET /v1/suppressions/stats.
func (h *Handlers) SuppressionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.suppressions.GetStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// SuppressionAudit handles GET /v1/suppressions/audit.
func (h *Handlers) SuppressionAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.NotFound(w, "audit log is not enabled")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		Recipient: q.Get("recipient"),
		Action:    audit.Action(q.Get("action")),
	}
	if c := q.Get("channel"); c != "" {
		ch, err := domain.ParseChannel(c)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		filter.Channel = ch
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"entries": entries, "count": len(entries)})
}

// GetSuppression handles GET /v1/suppressions/{channel}/{recipient}.
func (h *Handlers) GetSuppression(w http.ResponseWriter, r *http.Request) {
	ch, recipient, err := pathRecipient(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	entry, err := h.suppressions.Get(r.Context(), recipient, ch)
	if errors.Is(err, suppression.ErrNotFound) {
		httputil.NotFound(w, "recipient is not suppressed")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, entry)
}

// LiftSuppression handles DELETE /v1/suppressions/{channel}/{recipient}.
func (h *Handlers) LiftSuppression(w http.ResponseWriter, r *http.Request) {
	ch, recipient, err := pathRecipient(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	err = h.suppressions.Lift(r.Context(), recipient, ch)
	if errors.Is(err, suppression.ErrNotFound) {
		httputil.NotFound(w, "recipient is not suppressed")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// GetRetry handles GET /v1/retries/{channel}/{recipient}.
func (h *Handlers) GetRetry(w http.ResponseWriter, r *http.Request) {
	ch, recipient, err := pathRecipient(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	st, err := h.retries.State(r.Context(), recipient, ch)
	if errors.Is(err, retry.ErrNotFound) {
		httputil.NotFound(w, "no retry pending")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, st)
}

// CancelRetry handles DELETE /v1/retries/{channel}/{recipient}.
func (h *Handlers) CancelRetry(w http.ResponseWriter, r *http.Request) {
	ch, recipient, err := pathRecipient(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.retries.Cancel(r.Context(), recipient, ch); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}
