package domain

import "fmt"

// Message is a fully-resolved notification ready for a channel dispatcher.
// It is also the payload snapshot a retry re-sends.
type Message struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subject_id,omitempty"`
	Recipient string            `json:"recipient"`
	Channel   Channel           `json:"channel"`
	Category  Category          `json:"category,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every dispatcher relies on.
func (m Message) Validate() error {
	if m.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if _, err := ParseChannel(string(m.Channel)); err != nil {
		return err
	}
	if m.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}
