// Package queue is the ordered, durable append log between the router and
// the worker pools. Each destination has its own stream and a consumer group
// of the same name; delivery is at-least-once and entries left unacknowledged
// are redelivered through Claim.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// ErrQueueUnavailable wraps every append or read failure of a backend.
var ErrQueueUnavailable = errors.New("queue unavailable")

// ErrNoGroup is returned when reading a group that was never created.
var ErrNoGroup = errors.New("consumer group does not exist")

// ErrDeadLetterNotFound is returned by Requeue for an unknown dead-letter ID.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// Destination is where a routed message is processed.
type Destination string

const (
	DestWorkflow Destination = "workflow"
	DestAI       Destination = "ai"
	DestOutbound Destination = "outbound"
)

// AgentType selects which AI agent handles an ai-bound entry.
type AgentType string

const (
	AgentDefault  AgentType = "default"
	AgentCampaign AgentType = "campaign"
)

// Stream names. Consumer groups share the stream's name.
const (
	StreamAI       = "ai-ingestion"
	StreamWorkflow = "workflow"
)

// OutboundStream returns the outbound stream for a channel.
func OutboundStream(c store.Channel) string { return "outbound-" + string(c) }

// DeadStream returns the dead-letter stream paired with stream.
func DeadStream(stream string) string { return stream + ":dead" }

// Streams lists every stream the service consumes.
func Streams() []string {
	out := []string{StreamAI, StreamWorkflow}
	for _, c := range store.Channels {
		out = append(out, OutboundStream(c))
	}
	return out
}

// Entry is the envelope placed on a stream.
type Entry struct {
	ID             string         `json:"id,omitempty"` // backend-assigned entry ID
	MessageID      string         `json:"message_id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Channel        store.Channel  `json:"channel"`
	Destination    Destination    `json:"destination"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	AgentType      AgentType      `json:"agent_type,omitempty"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	Recipient      string         `json:"recipient,omitempty"` // outbound only
	Body           string         `json:"body,omitempty"`      // outbound only
	Subject        string         `json:"subject,omitempty"`   // outbound only
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	Attempts       int            `json:"attempts"` // deliveries so far, including the current one
}

// Stream returns the stream an entry belongs on.
func (e Entry) Stream() string {
	switch e.Destination {
	case DestWorkflow:
		return StreamWorkflow
	case DestOutbound:
		return OutboundStream(e.Channel)
	default:
		return StreamAI
	}
}

// DeadLetter is an entry set aside after exhausting its attempts or failing permanently.
type DeadLetter struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Entry    Entry     `json:"entry"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is implemented by the Redis Streams and in-memory backends.
type Queue interface {
	// Enqueue appends e to stream and returns the new entry ID.
	Enqueue(ctx context.Context, stream string, e Entry) (string, error)
	// EnsureGroup creates the consumer group if missing, starting from the stream's beginning.
	EnsureGroup(ctx context.Context, stream, group string) error
	// Read returns up to count never-delivered entries in append order,
	// waiting up to block for at least one.
	Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// Claim reassigns entries pending longer than minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Ack removes entries from the group's pending set. Acking twice is a no-op.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Pending returns the size of the group's pending set.
	Pending(ctx context.Context, stream, group string) (int64, error)
	DeadLetter(ctx context.Context, stream string, e Entry, reason string) error
	DeadLetters(ctx context.Context, stream string, limit int) ([]DeadLetter, error)
	// Requeue moves a dead letter back onto its stream with attempts reset.
	Requeue(ctx context.Context, stream, deadID string) (string, error)
	// Trim drops the oldest entries beyond maxLen and returns how many went.
	// It never drops an entry some group has not yet received and
	// acknowledged, so a stream can stay above maxLen while a consumer lags.
	Trim(ctx context.Context, stream string, maxLen int64) (int64, error)
	// Len returns the number of entries retained on stream.
	Len(ctx context.Context, stream string) (int64, error)
	Close() error
}

// Ledger records messages a group has fully processed so redeliveries are no-ops.
type Ledger interface {
	Seen(ctx context.Context, group, messageID string) (bool, error)
	Mark(ctx context.Context, group, messageID string) error
}
