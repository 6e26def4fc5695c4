package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// SESAPI is the part of the SES v2 client the dispatcher calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESDispatcher sends email through AWS SES v2.
type SESDispatcher struct {
	client           SESAPI
	from             string
	configurationSet string
}

// NewSESDispatcher loads AWS config for the region. Static credentials are
// used when both keys are set; otherwise the default provider chain applies.
func NewSESDispatcher(ctx context.Context, cfg config.SESConfig, from string) (*SESDispatcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESDispatcherWithClient(sesv2.NewFromConfig(awsCfg), from, cfg.ConfigurationSet), nil
}

func NewSESDispatcherWithClient(client SESAPI, from, configurationSet string) *SESDispatcher {
	return &SESDispatcher{client: client, from: from, configurationSet: configurationSet}
}

func (d *SESDispatcher) Dispatch(ctx context.Context, msg domain.Message) (string, error) {
	body := &types.Body{Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")}}
	if html := msg.Metadata["html"]; html != "" {
		body.Html = &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("message_id"), Value: aws.String(msg.ID)},
		},
	}
	if msg.Category != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String("category"), Value: aws.String(string(msg.Category))})
	}
	if d.configurationSet != "" {
		input.ConfigurationSetName = aws.String(d.configurationSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses: send: %w", err)
	}
	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses accepted message", "recipient", msg.Recipient, "provider_id", messageID)
	return messageID, nil
}
