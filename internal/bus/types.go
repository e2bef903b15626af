// Package bus holds the channel-agnostic message descriptors exchanged
// between the ingestion collaborator, the router and the outbound workers.
package bus

import (
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// InboundMessage is a message already persisted by the ingestion collaborator.
// It is immutable once created.
type InboundMessage struct {
	MessageID      string            `json:"message_id"`
	TenantID       string            `json:"tenant_id"`
	ConversationID string            `json:"conversation_id"`
	Channel        store.Channel     `json:"channel"`
	SenderID       string            `json:"sender_id"`          // email address, phone number or widget visitor id
	Body           string            `json:"body"`
	Subject        string            `json:"subject,omitempty"`  // email only
	ReceivedAt     time.Time         `json:"received_at"`
	Resource       store.ResourceRef `json:"resource,omitempty"` // zero = tenant's default resource for the channel
}

// OutboundMessage is a message handed to a channel delivery adapter.
type OutboundMessage struct {
	MessageID      string        `json:"message_id"`
	TenantID       string        `json:"tenant_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Channel        store.Channel `json:"channel"`
	Recipient      string        `json:"recipient"`
	Body           string        `json:"body"`
	Subject        string        `json:"subject,omitempty"`
}

// Validate reports the first missing required field.
func (m InboundMessage) Validate() error {
	switch {
	case m.MessageID == "":
		return errMissing("message_id")
	case m.TenantID == "":
		return errMissing("tenant_id")
	case m.ConversationID == "":
		return errMissing("conversation_id")
	case !m.Channel.Valid():
		return &FieldError{Field: "channel", Msg: "unknown channel " + string(m.Channel)}
	}
	return nil
}

// Validate reports the first missing required field.
func (m OutboundMessage) Validate() error {
	switch {
	case m.TenantID == "":
		return errMissing("tenant_id")
	case !m.Channel.Valid():
		return &FieldError{Field: "channel", Msg: "unknown channel " + string(m.Channel)}
	case m.Recipient == "":
		return errMissing("recipient")
	case m.Body == "":
		return errMissing("body")
	}
	return nil
}

// FieldError describes an invalid message field.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Msg }

func errMissing(field string) error { return &FieldError{Field: field, Msg: "is required"} }
