package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httpretry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// SendGridDispatcher sends email through the SendGrid v3 Mail Send API.
type SendGridDispatcher struct {
	apiKey  string
	baseURL string
	from    string
	client  httpretry.HTTPDoer
}

// NewSendGridDispatcher creates a dispatcher from config. Requests are
// retried on 429/5xx and paced to the configured rate.
func NewSendGridDispatcher(cfg config.SendGridConfig, from string) *SendGridDispatcher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SendGridDispatcher{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		from:    from,
		client: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2,
			httpretry.WithBackoff(500*time.Millisecond, 5*time.Second),
			httpretry.WithRateLimit(cfg.RatePerSecond, int(cfg.RatePerSecond)),
		),
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Categories       []string                  `json:"categories,omitempty"`
}

type sendGridErrors struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (d *SendGridDispatcher) Dispatch(ctx context.Context, msg domain.Message) (string, error) {
	if d.apiKey == "" {
		return "", fmt.Errorf("sendgrid: API key not configured")
	}

	mail := sendGridMail{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: msg.Recipient}},
			// echoed back on event webhooks
			CustomArgs: map[string]string{"message_id": msg.ID, "subject_id": msg.SubjectID},
		}},
		From:    sendGridAddress{Email: d.from},
		Subject: msg.Subject,
		Content: []sendGridContent{{Type: "text/plain", Value: msg.Body}},
	}
	if html := msg.Metadata["html"]; html != "" {
		mail.Content = append(mail.Content, sendGridContent{Type: "text/html", Value: html})
	}
	if msg.Category != "" {
		mail.Categories = []string{string(msg.Category)}
	}

	body, err := json.Marshal(mail)
	if err != nil {
		return "", fmt.Errorf("sendgrid: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sendgrid: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendgrid: send: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		perr := &ProviderError{Provider: "sendgrid", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var sgErr sendGridErrors
		if json.Unmarshal(respBody, &sgErr) == nil && len(sgErr.Errors) > 0 {
			perr.Message = sgErr.Errors[0].Message
			perr.Code = sgErr.Errors[0].Field
		}
		return "", perr
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.NewString()
	}
	logger.Debug("sendgrid accepted message", "recipient", msg.Recipient, "provider_id", messageID)
	return messageID, nil
}
