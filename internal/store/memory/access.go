package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

type accessKey struct {
	deploymentID uuid.UUID
	userID       string
}

// AccessStore implements store.DelegatedAccessStore in memory.
type AccessStore struct {
	mu     sync.RWMutex
	grants map[accessKey]store.DelegatedAccessData
}

func NewAccessStore() *AccessStore {
	return &AccessStore{grants: make(map[accessKey]store.DelegatedAccessData)}
}

func (s *AccessStore) Grant(_ context.Context, g *store.DelegatedAccessData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accessKey{g.DeploymentID, g.UserID}
	if prev, ok := s.grants[k]; ok {
		g.ID = prev.ID
		g.CreatedAt = prev.CreatedAt
	}
	if g.ID == uuid.Nil {
		g.ID = store.GenNewID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	cp := *g
	cp.Permissions = append([]store.Permission(nil), g.Permissions...)
	s.grants[k] = cp
	return nil
}

func (s *AccessStore) Revoke(_ context.Context, deploymentID uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accessKey{deploymentID, userID}
	if _, ok := s.grants[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.grants, k)
	return nil
}

func (s *AccessStore) Get(_ context.Context, deploymentID uuid.UUID, userID string) (*store.DelegatedAccessData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[accessKey{deploymentID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (s *AccessStore) ListByDeployment(_ context.Context, deploymentID uuid.UUID) ([]store.DelegatedAccessData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DelegatedAccessData
	for k, g := range s.grants {
		if k.deploymentID == deploymentID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *AccessStore) ListByUser(_ context.Context, userID string) ([]store.DelegatedAccessData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DelegatedAccessData
	for k, g := range s.grants {
		if k.userID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}
