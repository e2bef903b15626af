package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
)

// Channel is one of the supported message surfaces.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelPhone    Channel = "phone"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWidget   Channel = "widget"
)

// Channels lists every supported channel in display order.
var Channels = []Channel{ChannelEmail, ChannelPhone, ChannelWhatsApp, ChannelWidget}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelWhatsApp, ChannelWidget:
		return true
	}
	return false
}

// RefKind identifies which underlying channel resource a deployment binds to.
type RefKind string

const (
	RefEmailAccount    RefKind = "email_account"
	RefInboundEmail    RefKind = "inbound_email"
	RefPhoneNumber     RefKind = "phone_number"
	RefWhatsAppAccount RefKind = "whatsapp_account"
	RefWidget          RefKind = "widget"
)

// ResourceRef is the single channel resource a deployment acts on.
// The zero value means "no resource".
type ResourceRef struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// IsZero reports whether the ref is unset.
func (r ResourceRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

func (r ResourceRef) String() string { return string(r.Kind) + ":" + r.ID }

// BelongsTo reports whether the ref kind can serve the given channel.
func (r ResourceRef) BelongsTo(c Channel) bool {
	switch r.Kind {
	case RefEmailAccount, RefInboundEmail:
		return c == ChannelEmail
	case RefPhoneNumber:
		return c == ChannelPhone
	case RefWhatsAppAccount:
		return c == ChannelWhatsApp
	case RefWidget:
		return c == ChannelWidget
	}
	return false
}

// PriorityMode is a deployment-level override of AI vs human precedence.
type PriorityMode string

const (
	PriorityNormal       PriorityMode = "normal"
	PriorityAlwaysAI     PriorityMode = "always_ai"
	PriorityAlwaysHuman  PriorityMode = "always_human"
	PriorityScheduleOnly PriorityMode = "schedule_only"
)

// Valid reports whether m is a known priority mode.
func (m PriorityMode) Valid() bool {
	switch m {
	case PriorityNormal, PriorityAlwaysAI, PriorityAlwaysHuman, PriorityScheduleOnly:
		return true
	}
	return false
}

// Behavior controls auto-response and handoff thresholds.
type Behavior struct {
	AutoRespond              bool `json:"auto_respond"`
	HandoffEnabled           bool `json:"handoff_enabled"`
	MaxMessagesBeforeHandoff int  `json:"max_messages_before_handoff"`
}

// Messages holds the deployment's canned texts.
type Messages struct {
	Welcome string `json:"welcome_message,omitempty"`
	Handoff string `json:"handoff_message,omitempty"`
	Away    string `json:"away_message,omitempty"`
}

// DeploymentData is one binding of "AI may act here" to a channel resource.
type DeploymentData struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Channel      Channel         `json:"channel"`
	Resource     ResourceRef     `json:"resource"`
	Enabled      bool            `json:"enabled"`
	Schedule     schedule.Config `json:"schedule"`
	Behavior     Behavior        `json:"behavior"`
	Messages     Messages        `json:"messages"`
	PriorityMode PriorityMode    `json:"priority_mode"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DeploymentStore persists deployment resources.
// Implementations enforce uniqueness of (tenant, resource) and return ErrDuplicate on conflict.
type DeploymentStore interface {
	Insert(ctx context.Context, d *DeploymentData) error
	Get(ctx context.Context, id uuid.UUID) (*DeploymentData, error)
	GetByResource(ctx context.Context, tenantID string, ref ResourceRef) (*DeploymentData, error)
	ListByTenant(ctx context.Context, tenantID string, channel Channel) ([]DeploymentData, error)
	// Save overwrites every mutable column of an existing deployment.
	Save(ctx context.Context, d *DeploymentData) error
}
