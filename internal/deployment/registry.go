// Package deployment is the registry of AI deployment resources: which
// channel endpoints the AI may act on, when, and under which priority mode.
package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

var (
	// ErrInvalidResourceBinding is returned when a create request names zero
	// or several channel resources, or one that does not belong to its channel.
	ErrInvalidResourceBinding = errors.New("invalid resource binding")

	// ErrResourceNotFound is returned when no deployment exists for a lookup.
	ErrResourceNotFound = errors.New("deployment resource not found")

	// ErrInvalidDeployment is returned for malformed configuration values.
	ErrInvalidDeployment = errors.New("invalid deployment")
)

// Registry looks up and administers deployment resources.
// Reads are safe for concurrent use; write serialization is left to the store.
type Registry struct {
	deployments store.DeploymentStore
	access      store.DelegatedAccessStore
}

func NewRegistry(deployments store.DeploymentStore, access store.DelegatedAccessStore) *Registry {
	return &Registry{deployments: deployments, access: access}
}

// Get returns the deployment bound to ref for the tenant and channel.
func (r *Registry) Get(ctx context.Context, tenantID string, channel store.Channel, ref store.ResourceRef) (*store.DeploymentData, error) {
	if !ref.BelongsTo(channel) {
		return nil, fmt.Errorf("%w: %s on %s", ErrResourceNotFound, ref, channel)
	}
	d, err := r.deployments.GetByResource(ctx, tenantID, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, ref)
		}
		return nil, fmt.Errorf("get deployment %s: %w", ref, err)
	}
	if d.Channel != channel {
		return nil, fmt.Errorf("%w: %s on %s", ErrResourceNotFound, ref, channel)
	}
	return d, nil
}

// Resolve is Get that tolerates a zero ref: the tenant's oldest enabled
// deployment for the channel is used, or its oldest one if none is enabled.
func (r *Registry) Resolve(ctx context.Context, tenantID string, channel store.Channel, ref store.ResourceRef) (*store.DeploymentData, error) {
	if !ref.IsZero() {
		return r.Get(ctx, tenantID, channel, ref)
	}
	list, err := r.deployments.ListByTenant(ctx, tenantID, channel)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: tenant %s has none on %s", ErrResourceNotFound, tenantID, channel)
	}
	for i := range list {
		if list[i].Enabled {
			return &list[i], nil
		}
	}
	return &list[0], nil
}

// GetByID returns a deployment by its ID.
func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*store.DeploymentData, error) {
	d, err := r.deployments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
		}
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return d, nil
}

// List returns the tenant's deployments. An empty channel lists all.
func (r *Registry) List(ctx context.Context, tenantID string, channel store.Channel) ([]store.DeploymentData, error) {
	if channel != "" && !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidDeployment, channel)
	}
	return r.deployments.ListByTenant(ctx, tenantID, channel)
}

// CreateRequest is the administrative create payload. Exactly one of the
// five resource reference fields must be set.
type CreateRequest struct {
	TenantID string        `json:"tenant_id"`
	Channel  store.Channel `json:"channel"`

	EmailAccountID    string `json:"email_account_id,omitempty"`
	InboundEmailID    string `json:"inbound_email_id,omitempty"`
	PhoneNumberID     string `json:"phone_number_id,omitempty"`
	WhatsAppAccountID string `json:"whatsapp_account_id,omitempty"`
	WidgetID          string `json:"widget_id,omitempty"`

	Enabled      bool               `json:"enabled"`
	Schedule     schedule.Config    `json:"schedule"`
	Behavior     store.Behavior     `json:"behavior"`
	Messages     store.Messages     `json:"messages"`
	PriorityMode store.PriorityMode `json:"priority_mode,omitempty"`
}

// ResourceRef folds the five optional reference fields into a single ref.
func (req CreateRequest) ResourceRef() (store.ResourceRef, error) {
	candidates := []store.ResourceRef{
		{Kind: store.RefEmailAccount, ID: req.EmailAccountID},
		{Kind: store.RefInboundEmail, ID: req.InboundEmailID},
		{Kind: store.RefPhoneNumber, ID: req.PhoneNumberID},
		{Kind: store.RefWhatsAppAccount, ID: req.WhatsAppAccountID},
		{Kind: store.RefWidget, ID: req.WidgetID},
	}
	var found []store.ResourceRef
	for _, c := range candidates {
		if c.ID != "" {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		return store.ResourceRef{}, fmt.Errorf("%w: exactly one resource reference required, got %d", ErrInvalidResourceBinding, len(found))
	}
	return found[0], nil
}

// Create validates and persists a new deployment.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*store.DeploymentData, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidDeployment)
	}
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidDeployment, req.Channel)
	}
	ref, err := req.ResourceRef()
	if err != nil {
		return nil, err
	}
	if !ref.BelongsTo(req.Channel) {
		return nil, fmt.Errorf("%w: %s cannot serve channel %s", ErrInvalidResourceBinding, ref.Kind, req.Channel)
	}

	d := &store.DeploymentData{
		TenantID:     req.TenantID,
		Channel:      req.Channel,
		Resource:     ref,
		Enabled:      req.Enabled,
		Schedule:     req.Schedule,
		Behavior:     req.Behavior,
		Messages:     req.Messages,
		PriorityMode: req.PriorityMode,
	}
	if d.PriorityMode == "" {
		d.PriorityMode = store.PriorityNormal
	}
	d.Schedule.Days = schedule.NormalizeDays(d.Schedule.Days)
	if err := validate(d); err != nil {
		return nil, err
	}

	if err := r.deployments.Insert(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s already has a deployment", ErrInvalidResourceBinding, ref)
		}
		return nil, fmt.Errorf("insert deployment: %w", err)
	}
	return d, nil
}

// Update loads the deployment, merges the patch and saves the result.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p Patch) (*store.DeploymentData, error) {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := ApplyPatch(*cur, p)
	if err := validate(&next); err != nil {
		return nil, err
	}
	if err := r.deployments.Save(ctx, &next); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
		}
		return nil, fmt.Errorf("save deployment: %w", err)
	}
	return &next, nil
}

// SetEnabled toggles a deployment. Deployments are never hard-deleted.
func (r *Registry) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*store.DeploymentData, error) {
	return r.Update(ctx, id, Patch{Enabled: &enabled})
}

func validate(d *store.DeploymentData) error {
	if !d.PriorityMode.Valid() {
		return fmt.Errorf("%w: unknown priority mode %q", ErrInvalidDeployment, d.PriorityMode)
	}
	if d.Behavior.MaxMessagesBeforeHandoff < 0 {
		return fmt.Errorf("%w: max_messages_before_handoff must be >= 0", ErrInvalidDeployment)
	}
	if d.Behavior.HandoffEnabled && d.Behavior.MaxMessagesBeforeHandoff == 0 {
		return fmt.Errorf("%w: handoff requires max_messages_before_handoff > 0", ErrInvalidDeployment)
	}
	return schedule.Validate(d.Schedule)
}
