// Package dispatch hands resolved messages to the provider for their
// channel: SendGrid or SES for email, Twilio for SMS.
package dispatch
