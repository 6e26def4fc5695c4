// Package ingest turns provider feedback into domain.FailureEvent batches.
//
// SendGrid event webhooks, SES notifications (SNS over HTTP or an SQS
// queue) and Twilio status and inbound-message callbacks are parsed here
// and handed to a Processor, normally the bounce classifier. Providers get
// a 2xx once a request is authenticated and parsed; per-event failures are
// logged and counted.
package ingest
