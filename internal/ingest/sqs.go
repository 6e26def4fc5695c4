package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
)

// SQSAPI is the part of the SQS client the consumer calls.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds a client with the default credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// Consumer long-polls a queue of SES notifications, either SNS-wrapped or
// delivered raw.
type Consumer struct {
	client      SQSAPI
	queueURL    string
	proc        Processor
	waitSeconds int32
	maxMessages int32
	errBackoff  time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithPolling overrides the long-poll wait and batch size.
func WithPolling(waitSeconds, maxMessages int32) ConsumerOption {
	return func(c *Consumer) {
		if waitSeconds > 0 {
			c.waitSeconds = waitSeconds
		}
		if maxMessages > 0 && maxMessages <= 10 {
			c.maxMessages = maxMessages
		}
	}
}

// WithErrorBackoff sets the pause after a failed receive.
func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.errBackoff = d }
}

func NewConsumer(client SQSAPI, queueURL string, p Processor, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:      client,
		queueURL:    queueURL,
		proc:        p,
		waitSeconds: 20,
		maxMessages: 10,
		errBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("sqs consumer started", "queue", c.queueURL)
	for {
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("sqs consumer stopped", "queue", c.queueURL)
				return nil
			}
			logger.Error("sqs receive failed", "queue", c.queueURL, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errBackoff):
			}
		}
		if ctx.Err() != nil {
			logger.Info("sqs consumer stopped", "queue", c.queueURL)
			return nil
		}
	}
}

// PollOnce receives one batch and returns how many messages were deleted.
// Messages whose events failed to apply stay on the queue for redelivery;
// the classifier's dedup makes the replay safe.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		if !c.handle(ctx, msg) {
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			logger.Warn("sqs delete failed", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// handle reports whether the message is done with and can be deleted.
func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	body := []byte(aws.ToString(msg.Body))
	if env, err := ParseSNSEnvelope(body); err == nil {
		if env.Type != "Notification" {
			return true
		}
		body = []byte(env.Message)
	}

	events, err := ParseSES(body)
	if errors.Is(err, ErrMalformed) {
		logger.Warn("dropping malformed SES notification", "message_id", aws.ToString(msg.MessageId), "error", err)
		return true
	}
	res := c.proc.ProcessBatch(ctx, events)
	if res.Failed > 0 {
		logger.Warn("SES notification will be redelivered",
			"message_id", aws.ToString(msg.MessageId), "failed", res.Failed)
		return false
	}
	return true
}
