package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Permission is a delegated right over one deployment.
type Permission string

const (
	PermView      Permission = "view"
	PermToggle    Permission = "toggle"
	PermConfigure Permission = "configure"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermView || p == PermToggle || p == PermConfigure
}

// DelegatedAccessData grants one user rights over one deployment,
// independent of role-based permissions.
type DelegatedAccessData struct {
	ID           uuid.UUID    `json:"id"`
	DeploymentID uuid.UUID    `json:"deployment_id"`
	UserID       string       `json:"user_id"`
	Permissions  []Permission `json:"permissions"`
	GrantedBy    string       `json:"granted_by"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Has reports whether the grant includes p.
func (a DelegatedAccessData) Has(p Permission) bool {
	for _, v := range a.Permissions {
		if v == p {
			return true
		}
	}
	return false
}

// DelegatedAccessStore manages per-user deployment grants.
type DelegatedAccessStore interface {
	// Grant upserts the (deployment, user) grant, replacing its permission set.
	Grant(ctx context.Context, g *DelegatedAccessData) error
	Revoke(ctx context.Context, deploymentID uuid.UUID, userID string) error
	Get(ctx context.Context, deploymentID uuid.UUID, userID string) (*DelegatedAccessData, error)
	ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]DelegatedAccessData, error)
	ListByUser(ctx context.Context, userID string) ([]DelegatedAccessData, error)
}
