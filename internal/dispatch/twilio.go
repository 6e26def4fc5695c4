package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httpretry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// TwilioDispatcher sends SMS through the Twilio Messages REST API.
type TwilioDispatcher struct {
	accountSID     string
	authToken      string
	from           string
	baseURL        string
	statusCallback string
	client         httpretry.HTTPDoer
}

func NewTwilioDispatcher(cfg config.TwilioConfig) *TwilioDispatcher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TwilioDispatcher{
		accountSID:     cfg.AccountSID,
		authToken:      cfg.AuthToken,
		from:           cfg.From,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		statusCallback: cfg.StatusCallback,
		client: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2,
			httpretry.WithBackoff(500*time.Millisecond, 5*time.Second),
			httpretry.WithRateLimit(cfg.RatePerSecond, 1),
		),
	}
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *TwilioDispatcher) Dispatch(ctx context.Context, msg domain.Message) (string, error) {
	if d.accountSID == "" || d.authToken == "" {
		return "", fmt.Errorf("twilio: credentials not configured")
	}

	form := url.Values{}
	form.Set("To", msg.Recipient)
	form.Set("From", d.from)
	form.Set("Body", msg.Body)
	if d.statusCallback != "" {
		form.Set("StatusCallback", d.statusCallback)
	}
	encoded := form.Encode()

	endpoint := d.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(d.accountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("twilio: create request: %w", err)
	}
	req.SetBasicAuth(d.accountSID, d.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: send: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		perr := &ProviderError{Provider: "twilio", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var te twilioError
		if json.Unmarshal(respBody, &te) == nil && te.Message != "" {
			perr.Message = te.Message
			perr.Code = strconv.Itoa(te.Code)
		}
		return "", perr
	}

	var out twilioMessage
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("twilio: decode response: %w", err)
	}
	if out.ErrorCode != nil {
		return "", &ProviderError{Provider: "twilio", StatusCode: resp.StatusCode, Code: strconv.Itoa(*out.ErrorCode), Message: out.ErrorMessage}
	}
	logger.Debug("twilio accepted message", "recipient", msg.Recipient, "provider_id", out.SID, "status", out.Status)
	return out.SID, nil
}
