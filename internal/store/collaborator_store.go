package store

import (
	"context"
	"time"
)

// TriggerStore answers workflow-trigger lookups.
// Workflows themselves are owned by the workflow engine; this is a read view.
type TriggerStore interface {
	HasActiveTrigger(ctx context.Context, tenantID, triggerKey string) (bool, error)
}

// TriggerData is one active workflow trigger (used for seeding and the read view).
type TriggerData struct {
	TenantID   string `json:"tenant_id"`
	TriggerKey string `json:"trigger_key"`
	WorkflowID string `json:"workflow_id"`
	Active     bool   `json:"active"`
}

// ReplyHandling is a campaign's policy for replies to its outreach.
type ReplyHandling string

const (
	ReplyHandlingAI     ReplyHandling = "ai"
	ReplyHandlingHuman  ReplyHandling = "human"
	ReplyHandlingIgnore ReplyHandling = "ignore"
)

// CampaignConversation links a conversation to the outreach campaign that started it.
type CampaignConversation struct {
	ConversationID string        `json:"conversation_id"`
	TenantID       string        `json:"tenant_id"`
	CampaignID     string        `json:"campaign_id"`
	ReplyHandling  ReplyHandling `json:"reply_handling"`
}

// CampaignStore looks up campaign ownership of conversations.
type CampaignStore interface {
	// GetByConversation returns ErrNotFound for non-campaign conversations.
	GetByConversation(ctx context.Context, conversationID string) (*CampaignConversation, error)
}

// HandoffState is the per-conversation ownership state.
type HandoffState string

const (
	StateAIActive  HandoffState = "ai-active"
	StateHandedOff HandoffState = "handed-off"
)

// HandoffData is the stored handoff state and AI turn counter of one
// conversation. Conversation IDs are only unique within a tenant.
type HandoffData struct {
	TenantID       string       `json:"tenant_id"`
	ConversationID string       `json:"conversation_id"`
	State          HandoffState `json:"state"`
	AITurns        int          `json:"ai_turns"` // AI-authored turns since the last human takeover
	Reason         string       `json:"reason,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HandoffStore persists handoff state. Get on an unknown conversation returns
// an ai-active record with zero turns rather than ErrNotFound.
type HandoffStore interface {
	Get(ctx context.Context, tenantID, conversationID string) (*HandoffData, error)
	// IncrementAITurns atomically adds one AI turn and returns the updated record.
	IncrementAITurns(ctx context.Context, tenantID, conversationID string) (*HandoffData, error)
	// SetState sets the state; moving to ai-active also resets the counter.
	SetState(ctx context.Context, tenantID, conversationID string, state HandoffState, reason string) (*HandoffData, error)
}
