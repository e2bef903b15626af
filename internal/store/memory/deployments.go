// Package memory provides in-process store implementations for standalone
// mode and tests. All stores are safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// DeploymentStore implements store.DeploymentStore in memory.
type DeploymentStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*store.DeploymentData
	// seeded holds IDs last written by Seed and not changed through the API since.
	seeded map[uuid.UUID]bool
}

func NewDeploymentStore() *DeploymentStore {
	return &DeploymentStore{
		byID:   make(map[uuid.UUID]*store.DeploymentData),
		seeded: make(map[uuid.UUID]bool),
	}
}

func (s *DeploymentStore) Insert(_ context.Context, d *store.DeploymentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.TenantID == d.TenantID && existing.Resource == d.Resource {
			return store.ErrDuplicate
		}
	}
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cp := cloneDeployment(d)
	s.byID[d.ID] = cp
	delete(s.seeded, d.ID)
	return nil
}

func (s *DeploymentStore) Get(_ context.Context, id uuid.UUID) (*store.DeploymentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *DeploymentStore) GetByResource(_ context.Context, tenantID string, ref store.ResourceRef) (*store.DeploymentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byID {
		if d.TenantID == tenantID && d.Resource == ref {
			return cloneDeployment(d), nil
		}
	}
	return nil, store.ErrNotFound
}

// ListByTenant returns the tenant's deployments, oldest first.
// An empty channel lists all channels.
func (s *DeploymentStore) ListByTenant(_ context.Context, tenantID string, channel store.Channel) ([]store.DeploymentData, error) {
	s.mu.RLock()
	var out []store.DeploymentData
	for _, d := range s.byID {
		if d.TenantID != tenantID {
			continue
		}
		if channel != "" && d.Channel != channel {
			continue
		}
		out = append(out, *cloneDeployment(d))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *DeploymentStore) Save(_ context.Context, d *store.DeploymentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneDeployment(d)
	// Identity columns are immutable.
	cp.TenantID = existing.TenantID
	cp.Channel = existing.Channel
	cp.Resource = existing.Resource
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.byID[d.ID] = cp
	delete(s.seeded, d.ID)
	d.UpdatedAt = cp.UpdatedAt
	return nil
}

// SeedResult counts what one Seed call did.
type SeedResult struct {
	Applied int // inserted or refreshed from the seed
	Kept    int // left alone because the API owns them
	Removed int // seeded earlier, gone from the seed now
}

// Seed merges config-declared deployments into the store. Deployments
// created or changed through the API are never overwritten or removed, and
// a seed entry whose resource is already taken by another ID is skipped.
func (s *DeploymentStore) Seed(items []store.DeploymentData) SeedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SeedResult
	now := time.Now().UTC()
	want := make(map[uuid.UUID]bool, len(items))
	for i := range items {
		d := cloneDeployment(&items[i])
		if d.ID == uuid.Nil {
			d.ID = store.GenNewID()
		}
		want[d.ID] = true

		existing, ok := s.byID[d.ID]
		if ok && !s.seeded[d.ID] {
			res.Kept++
			continue
		}
		if s.resourceTaken(d) {
			res.Kept++
			continue
		}
		d.CreatedAt, d.UpdatedAt = now, now
		if ok {
			d.CreatedAt = existing.CreatedAt
		}
		s.byID[d.ID] = d
		s.seeded[d.ID] = true
		res.Applied++
	}
	for id := range s.seeded {
		if !want[id] {
			delete(s.byID, id)
			delete(s.seeded, id)
			res.Removed++
		}
	}
	return res
}

// resourceTaken reports whether another deployment already serves d's resource.
func (s *DeploymentStore) resourceTaken(d *store.DeploymentData) bool {
	for id, existing := range s.byID {
		if id != d.ID && existing.TenantID == d.TenantID && existing.Resource == d.Resource {
			return true
		}
	}
	return false
}

func cloneDeployment(d *store.DeploymentData) *store.DeploymentData {
	cp := *d
	if d.Schedule.Days != nil {
		cp.Schedule.Days = append([]string(nil), d.Schedule.Days...)
	}
	return &cp
}
