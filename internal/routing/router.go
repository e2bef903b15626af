// Package routing decides where each inbound message goes and enqueues it.
//
// Priority is strict and the first match wins:
//  1. an active workflow trigger routes to the workflow engine;
//  2. a campaign conversation whose reply handling is "ai" routes to the
//     campaign agent regardless of schedule;
//  3. otherwise the deployment registry, schedule and handoff state decide
//     whether the default agent answers or nothing happens.
//
// Lookup failures never surface as errors: the decision fails closed to
// "none" and carries a typed Cause.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/metrics"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/tracing"
)

// DeploymentLookup resolves the deployment governing a channel resource.
type DeploymentLookup interface {
	Resolve(ctx context.Context, tenantID string, channel store.Channel, ref store.ResourceRef) (*store.DeploymentData, error)
}

// HandoffState reads conversation ownership. Observe may persist a pending
// transition; Peek never writes.
type HandoffState interface {
	Observe(ctx context.Context, tenantID, conversationID string, d *store.DeploymentData) (*store.HandoffData, error)
	Peek(ctx context.Context, tenantID, conversationID string, d *store.DeploymentData) (*store.HandoffData, error)
}

// Producer appends entries to the queue.
type Producer interface {
	Enqueue(ctx context.Context, stream string, e queue.Entry) (string, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Deployments DeploymentLookup
	Triggers    store.TriggerStore
	Campaigns   store.CampaignStore
	Handoff     HandoffState
	Queue       Producer
	Now         func() time.Time // defaults to time.Now
}

// Router is safe for concurrent use; it holds no per-message state.
type Router struct {
	deployments DeploymentLookup
	triggers    store.TriggerStore
	campaigns   store.CampaignStore
	handoff     HandoffState
	queue       Producer
	now         func() time.Time
}

func NewRouter(d Deps) *Router {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		deployments: d.Deployments,
		triggers:    d.Triggers,
		campaigns:   d.Campaigns,
		handoff:     d.Handoff,
		queue:       d.Queue,
		now:         now,
	}
}

// Decide computes the routing decision for msg without enqueuing.
// A pending handoff transition observed on the way is persisted.
func (r *Router) Decide(ctx context.Context, msg bus.InboundMessage) Decision {
	return r.decide(ctx, msg, true)
}

// Route decides and, unless the destination is none, enqueues the message.
// The only error besides ErrInvalidMessage is a failed append, which wraps
// queue.ErrQueueUnavailable; the decision is still returned with it.
func (r *Router) Route(ctx context.Context, msg bus.InboundMessage) (Decision, error) {
	ctx, span := tracing.Tracer("routing").Start(ctx, "routing.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", msg.TenantID),
		attribute.String("channel", string(msg.Channel)),
		attribute.String("message_id", msg.MessageID),
	)

	if err := msg.Validate(); err != nil {
		return Decision{Destination: DestinationNone, Reason: err.Error(), DecidedAt: r.now().UTC()},
			fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	start := time.Now()
	defer func() { metrics.RoutingDuration.Observe(time.Since(start).Seconds()) }()

	d := r.decide(ctx, msg, true)
	span.SetAttributes(
		attribute.String("destination", string(d.Destination)),
		attribute.String("reason", d.Reason),
	)
	if d.Destination == DestinationNone {
		return d, nil
	}

	entry := queue.Entry{
		MessageID:      msg.MessageID,
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		Channel:        msg.Channel,
		Destination:    d.Destination,
		TriggerData:    d.TriggerData,
		AgentType:      d.AgentType,
		CampaignID:     d.CampaignID,
		EnqueuedAt:     d.DecidedAt,
	}
	stream := entry.Stream()
	id, err := r.queue.Enqueue(ctx, stream, entry)
	if err != nil {
		metrics.QueueEnqueuedTotal.WithLabelValues(stream, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		slog.Error("routing enqueue failed", "tenant", msg.TenantID, "message_id", msg.MessageID, "stream", stream, "error", err)
		if !errors.Is(err, queue.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %v", queue.ErrQueueUnavailable, err)
		}
		return d, fmt.Errorf("enqueue %s: %w", msg.MessageID, err)
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(stream, "ok").Inc()
	d.EntryID = id
	slog.Debug("message routed", "tenant", msg.TenantID, "message_id", msg.MessageID,
		"destination", d.Destination, "agent_type", d.AgentType, "entry_id", id)
	return d, nil
}

// StatusQuery identifies the resource and conversation of a status check.
type StatusQuery struct {
	TenantID       string
	Channel        store.Channel
	Resource       store.ResourceRef
	ConversationID string // optional
}

// Status returns the decision a message on the queried resource would get
// right now. It has no side effects.
func (r *Router) Status(ctx context.Context, q StatusQuery) Decision {
	msg := bus.InboundMessage{
		TenantID:       q.TenantID,
		ConversationID: q.ConversationID,
		Channel:        q.Channel,
		Resource:       q.Resource,
	}
	return r.decide(ctx, msg, false)
}

// ShouldAIRespond reports whether an AI agent would answer on the resource now.
func (r *Router) ShouldAIRespond(ctx context.Context, tenantID string, channel store.Channel, ref store.ResourceRef, conversationID string) bool {
	d := r.Status(ctx, StatusQuery{TenantID: tenantID, Channel: channel, Resource: ref, ConversationID: conversationID})
	return d.Destination == queue.DestAI
}

func (r *Router) decide(ctx context.Context, msg bus.InboundMessage, persist bool) Decision {
	now := r.now().UTC()
	d := Decision{Destination: DestinationNone, DecidedAt: now}

	// 1. Workflow
	key := TriggerKey(msg.Channel, "message")
	hasTrigger, err := r.triggers.HasActiveTrigger(ctx, msg.TenantID, key)
	if err != nil {
		return r.failClosed(d, msg, LookupTrigger, err)
	}
	if hasTrigger {
		d.Destination = queue.DestWorkflow
		d.TriggerKey = key
		d.TriggerData = TriggerData(msg, now)
		d.Reason = ReasonWorkflow
		return r.record(d)
	}

	// 2. Campaign override
	if msg.ConversationID != "" {
		c, err := r.campaigns.GetByConversation(ctx, msg.ConversationID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return r.failClosed(d, msg, LookupCampaign, err)
		case c.ReplyHandling == store.ReplyHandlingAI && (c.TenantID == "" || c.TenantID == msg.TenantID):
			d.AgentType = queue.AgentCampaign
			d.CampaignID = c.CampaignID
			h, err := r.handoffState(ctx, msg, nil, persist)
			if err != nil {
				return r.failClosed(d, msg, LookupHandoff, err)
			}
			d.HandoffState = h.State
			if h.State == store.StateHandedOff {
				d.Reason = ReasonHandedOff
				return r.record(d)
			}
			d.Destination = queue.DestAI
			d.Reason = ReasonCampaignAI
			return r.record(d)
		}
	}

	// 3. Default AI
	dep, err := r.deployments.Resolve(ctx, msg.TenantID, msg.Channel, msg.Resource)
	if err != nil {
		if errors.Is(err, deployment.ErrResourceNotFound) {
			d.Reason = ReasonNotEnabled
			return r.record(d)
		}
		return r.failClosed(d, msg, LookupRegistry, err)
	}
	d.DeploymentID = dep.ID.String()

	onDuty, err := schedule.IsOnDuty(dep.Schedule, now)
	if err != nil {
		return r.failClosed(d, msg, LookupSchedule, err)
	}

	state := store.StateAIActive
	if msg.ConversationID != "" {
		h, err := r.handoffState(ctx, msg, dep, persist)
		if err != nil {
			return r.failClosed(d, msg, LookupHandoff, err)
		}
		state = h.State
	}
	d.HandoffState = state

	if !handoff.Eligible(dep, state, onDuty) {
		d.Reason = ReasonNotEnabled
		if state == store.StateHandedOff {
			d.Reason = ReasonHandedOff
		}
		return r.record(d)
	}

	// 4. AI enabled
	d.Destination = queue.DestAI
	d.AgentType = queue.AgentDefault
	d.Reason = ReasonDefaultAI
	return r.record(d)
}

func (r *Router) handoffState(ctx context.Context, msg bus.InboundMessage, dep *store.DeploymentData, persist bool) (*store.HandoffData, error) {
	if persist {
		return r.handoff.Observe(ctx, msg.TenantID, msg.ConversationID, dep)
	}
	return r.handoff.Peek(ctx, msg.TenantID, msg.ConversationID, dep)
}

func (r *Router) failClosed(d Decision, msg bus.InboundMessage, kind LookupKind, err error) Decision {
	d.Destination = DestinationNone
	d.AgentType = ""
	d.CampaignID = ""
	d.Reason = ReasonLookupFailed
	d.Cause = &LookupError{Kind: kind, Err: err}
	metrics.RoutingLookupFailuresTotal.WithLabelValues(string(kind)).Inc()
	slog.Warn("routing lookup failed", "kind", kind, "tenant", msg.TenantID,
		"message_id", msg.MessageID, "conversation", msg.ConversationID, "error", err)
	return r.record(d)
}

func (r *Router) record(d Decision) Decision {
	metrics.RoutingDecisionsTotal.WithLabelValues(string(d.Destination), string(d.AgentType)).Inc()
	return d
}
