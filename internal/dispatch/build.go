package dispatch

import (
	"context"
	"fmt"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// NewFromConfig builds a router with every provider that has credentials.
// Channels without one are left unregistered and fail at send time.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Router, error) {
	r := NewRouter()

	switch cfg.Email.Provider {
	case "ses":
		d, err := NewSESDispatcher(ctx, cfg.Email.SES, cfg.Email.From)
		if err != nil {
			return nil, fmt.Errorf("ses dispatcher: %w", err)
		}
		r.Register(domain.ChannelEmail, d)
	default:
		if cfg.Email.SendGrid.APIKey != "" {
			r.Register(domain.ChannelEmail, NewSendGridDispatcher(cfg.Email.SendGrid, cfg.Email.From))
		} else {
			logger.Warn("no email provider configured, email sends will fail")
		}
	}

	if cfg.SMS.Twilio.AccountSID != "" && cfg.SMS.Twilio.AuthToken != "" {
		r.Register(domain.ChannelSMS, NewTwilioDispatcher(cfg.SMS.Twilio))
	} else {
		logger.Warn("no SMS provider configured, SMS sends will fail")
	}
	return r, nil
}
