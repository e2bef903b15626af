package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// DestinationNone means no action: nothing is enqueued and the sender is not notified.
const DestinationNone queue.Destination = "none"

// Decision reasons.
const (
	ReasonWorkflow     = "active workflow trigger"
	ReasonCampaignAI   = "campaign reply handling is ai"
	ReasonDefaultAI    = "ai deployment enabled"
	ReasonNotEnabled   = "no workflow trigger and AI not enabled"
	ReasonHandedOff    = "conversation handed off to a human"
	ReasonLookupFailed = "lookup failed; failing closed"
)

// ErrInvalidMessage is returned by Route for messages missing required fields.
var ErrInvalidMessage = errors.New("invalid inbound message")

// LookupKind names the collaborator whose lookup failed.
type LookupKind string

const (
	LookupTrigger  LookupKind = "trigger"
	LookupCampaign LookupKind = "campaign"
	LookupRegistry LookupKind = "registry"
	LookupSchedule LookupKind = "schedule"
	LookupHandoff  LookupKind = "handoff"
)

// LookupError records why a decision failed closed.
type LookupError struct {
	Kind LookupKind
	Err  error
}

func (e *LookupError) Error() string { return fmt.Sprintf("%s lookup: %v", e.Kind, e.Err) }
func (e *LookupError) Unwrap() error { return e.Err }

// Decision is the outcome of routing one message. It is computed fresh per
// message and never cached.
type Decision struct {
	Destination  queue.Destination  `json:"destination"`
	AgentType    queue.AgentType    `json:"agent_type,omitempty"`
	CampaignID   string             `json:"campaign_id,omitempty"`
	TriggerKey   string             `json:"trigger_key,omitempty"`
	TriggerData  map[string]any     `json:"trigger_data,omitempty"`
	DeploymentID string             `json:"deployment_id,omitempty"`
	HandoffState store.HandoffState `json:"handoff_state,omitempty"`
	Reason       string             `json:"reason"`
	DecidedAt    time.Time          `json:"decided_at"`
	EntryID      string             `json:"entry_id,omitempty"` // set by Route once enqueued

	// Cause is set when the decision failed closed because a lookup failed.
	// A none decision with a nil Cause is an intentional "no AI".
	Cause error `json:"-"`
}

// Failed reports whether the decision failed closed on a lookup error.
func (d Decision) Failed() bool { return d.Cause != nil }

// CauseKind returns the failed lookup's kind, or "".
func (d Decision) CauseKind() LookupKind {
	var le *LookupError
	if errors.As(d.Cause, &le) {
		return le.Kind
	}
	return ""
}

// TriggerKey derives the workflow trigger key for a channel event.
func TriggerKey(channel store.Channel, eventKind string) string {
	return string(channel) + "." + eventKind
}

// TriggerData builds the workflow trigger payload. The sender identity is
// shaped per channel: email carries {email}, whatsapp {phone, normalized_phone},
// everything else {id}.
func TriggerData(msg bus.InboundMessage, decidedAt time.Time) map[string]any {
	var sender map[string]any
	switch msg.Channel {
	case store.ChannelEmail:
		sender = map[string]any{"email": msg.SenderID}
	case store.ChannelWhatsApp:
		sender = map[string]any{"phone": msg.SenderID, "normalized_phone": NormalizePhone(msg.SenderID)}
	default:
		sender = map[string]any{"id": msg.SenderID}
	}

	message := map[string]any{
		"id":   msg.MessageID,
		"body": msg.Body,
	}
	if msg.Subject != "" {
		message["subject"] = msg.Subject
	}

	return map[string]any{
		"tenant_id":       msg.TenantID,
		"channel":         string(msg.Channel),
		"conversation_id": msg.ConversationID,
		"sender":          sender,
		"message":         message,
		"decided_at":      decidedAt.UTC().Format(time.RFC3339),
	}
}

// NormalizePhone reduces a phone number to "+" and digits.
// A leading international "00" prefix becomes "+".
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	return "+" + digits
}
