package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// TriggerStore implements store.TriggerStore in memory.
type TriggerStore struct {
	mu     sync.RWMutex
	active map[string]map[string]bool // tenant → trigger key → active
}

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{active: make(map[string]map[string]bool)}
}

func (s *TriggerStore) HasActiveTrigger(_ context.Context, tenantID, triggerKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[tenantID][triggerKey], nil
}

// Set marks a trigger active or inactive.
func (s *TriggerStore) Set(tenantID, triggerKey string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.active[tenantID]
	if m == nil {
		m = make(map[string]bool)
		s.active[tenantID] = m
	}
	m[triggerKey] = active
}

// Replace swaps all triggers.
func (s *TriggerStore) Replace(items []store.TriggerData) {
	next := make(map[string]map[string]bool)
	for _, t := range items {
		m := next[t.TenantID]
		if m == nil {
			m = make(map[string]bool)
			next[t.TenantID] = m
		}
		m[t.TriggerKey] = m[t.TriggerKey] || t.Active
	}
	s.mu.Lock()
	s.active = next
	s.mu.Unlock()
}

// CampaignStore implements store.CampaignStore in memory.
type CampaignStore struct {
	mu    sync.RWMutex
	links map[string]store.CampaignConversation
}

func NewCampaignStore() *CampaignStore {
	return &CampaignStore{links: make(map[string]store.CampaignConversation)}
}

func (s *CampaignStore) GetByConversation(_ context.Context, conversationID string) (*store.CampaignConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.links[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// Put links a conversation to a campaign.
func (s *CampaignStore) Put(c store.CampaignConversation) {
	s.mu.Lock()
	s.links[c.ConversationID] = c
	s.mu.Unlock()
}

// Replace swaps all campaign links.
func (s *CampaignStore) Replace(items []store.CampaignConversation) {
	next := make(map[string]store.CampaignConversation, len(items))
	for _, c := range items {
		next[c.ConversationID] = c
	}
	s.mu.Lock()
	s.links = next
	s.mu.Unlock()
}

// HandoffStore implements store.HandoffStore in memory.
type HandoffStore struct {
	mu    sync.Mutex
	state map[handoffKey]store.HandoffData
}

type handoffKey struct{ tenant, conversation string }

func NewHandoffStore() *HandoffStore {
	return &HandoffStore{state: make(map[handoffKey]store.HandoffData)}
}

func (s *HandoffStore) Get(_ context.Context, tenantID, conversationID string) (*store.HandoffData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.load(handoffKey{tenantID, conversationID})
	return &d, nil
}

func (s *HandoffStore) IncrementAITurns(_ context.Context, tenantID, conversationID string) (*store.HandoffData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := handoffKey{tenantID, conversationID}
	d := s.load(k)
	d.AITurns++
	d.UpdatedAt = time.Now().UTC()
	s.state[k] = d
	return &d, nil
}

func (s *HandoffStore) SetState(_ context.Context, tenantID, conversationID string, state store.HandoffState, reason string) (*store.HandoffData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := handoffKey{tenantID, conversationID}
	d := s.load(k)
	d.State = state
	d.Reason = reason
	if state == store.StateAIActive {
		d.AITurns = 0
	}
	d.UpdatedAt = time.Now().UTC()
	s.state[k] = d
	return &d, nil
}

func (s *HandoffStore) load(k handoffKey) store.HandoffData {
	if d, ok := s.state[k]; ok {
		return d
	}
	return store.HandoffData{TenantID: k.tenant, ConversationID: k.conversation, State: store.StateAIActive}
}

// NewStores returns a full in-memory store set.
func NewStores() *store.Stores {
	return &store.Stores{
		Deployments: NewDeploymentStore(),
		Access:      NewAccessStore(),
		Triggers:    NewTriggerStore(),
		Campaigns:   NewCampaignStore(),
		Handoff:     NewHandoffStore(),
	}
}
