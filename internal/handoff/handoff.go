// Package handoff tracks per-conversation AI/human ownership and decides
// whether a deployment's AI may speak.
//
// A conversation starts ai-active. It moves to handed-off when the AI turn
// counter reaches the deployment's threshold (handoff enabled, mode not
// always_ai), when the mode is always_human, or when a human takes over.
// It only returns to ai-active through Reactivate.
package handoff

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// Transition reasons recorded with the state.
const (
	ReasonThreshold   = "max_messages_reached"
	ReasonAlwaysHuman = "priority_always_human"
	ReasonTakeover    = "human_takeover"
	ReasonReactivated = "reactivated"
)

// Tracker applies handoff transitions on top of a HandoffStore.
type Tracker struct {
	store store.HandoffStore
}

func NewTracker(s store.HandoffStore) *Tracker {
	return &Tracker{store: s}
}

// Observe returns the conversation's state with any pending transition for
// the deployment applied and persisted. d may be nil when no deployment
// governs the conversation, in which case the stored state is returned as is.
func (t *Tracker) Observe(ctx context.Context, tenantID, conversationID string, d *store.DeploymentData) (*store.HandoffData, error) {
	cur, err := t.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get handoff state: %w", err)
	}
	return t.apply(ctx, cur, d)
}

// Peek is Observe without persistence: the pending transition is applied
// to the returned copy only.
func (t *Tracker) Peek(ctx context.Context, tenantID, conversationID string, d *store.DeploymentData) (*store.HandoffData, error) {
	cur, err := t.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get handoff state: %w", err)
	}
	if cur.State == store.StateAIActive {
		if reason := pendingTransition(d, cur.AITurns); reason != "" {
			cp := *cur
			cp.State = store.StateHandedOff
			cp.Reason = reason
			return &cp, nil
		}
	}
	return cur, nil
}

// RecordAITurn counts one AI-authored turn. Turns on a handed-off
// conversation are not counted.
func (t *Tracker) RecordAITurn(ctx context.Context, tenantID, conversationID string, d *store.DeploymentData) (*store.HandoffData, error) {
	cur, err := t.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get handoff state: %w", err)
	}
	if cur.State == store.StateHandedOff {
		return cur, nil
	}
	next, err := t.store.IncrementAITurns(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("increment ai turns: %w", err)
	}
	return t.apply(ctx, next, d)
}

// Takeover hands the conversation to a human immediately.
func (t *Tracker) Takeover(ctx context.Context, tenantID, conversationID, reason string) (*store.HandoffData, error) {
	if reason == "" {
		reason = ReasonTakeover
	}
	return t.store.SetState(ctx, tenantID, conversationID, store.StateHandedOff, reason)
}

// Reactivate returns a conversation to the AI and resets its turn counter.
func (t *Tracker) Reactivate(ctx context.Context, tenantID, conversationID string) (*store.HandoffData, error) {
	return t.store.SetState(ctx, tenantID, conversationID, store.StateAIActive, ReasonReactivated)
}

func (t *Tracker) apply(ctx context.Context, cur *store.HandoffData, d *store.DeploymentData) (*store.HandoffData, error) {
	if cur.State != store.StateAIActive {
		return cur, nil
	}
	reason := pendingTransition(d, cur.AITurns)
	if reason == "" {
		return cur, nil
	}
	next, err := t.store.SetState(ctx, cur.TenantID, cur.ConversationID, store.StateHandedOff, reason)
	if err != nil {
		return nil, fmt.Errorf("hand off conversation: %w", err)
	}
	return next, nil
}

// pendingTransition returns the reason an ai-active conversation must be
// handed off, or "" if it stays with the AI.
func pendingTransition(d *store.DeploymentData, turns int) string {
	if d == nil {
		return ""
	}
	switch d.PriorityMode {
	case store.PriorityAlwaysHuman:
		return ReasonAlwaysHuman
	case store.PriorityAlwaysAI:
		return ""
	}
	b := d.Behavior
	if b.HandoffEnabled && b.MaxMessagesBeforeHandoff > 0 && turns >= b.MaxMessagesBeforeHandoff {
		return ReasonThreshold
	}
	return ""
}

// Eligible reports whether the deployment's AI may respond given the
// conversation state and the current schedule result.
//
//	normal:        enabled, auto-respond, on duty, ai-active
//	always_ai:     enabled, ai-active
//	always_human:  never
//	schedule_only: enabled, on duty, ai-active
func Eligible(d *store.DeploymentData, state store.HandoffState, onDuty bool) bool {
	if d == nil || !d.Enabled || state == store.StateHandedOff {
		return false
	}
	switch d.PriorityMode {
	case store.PriorityAlwaysAI:
		return true
	case store.PriorityAlwaysHuman:
		return false
	case store.PriorityScheduleOnly:
		return onDuty
	default:
		return d.Behavior.AutoRespond && onDuty
	}
}
