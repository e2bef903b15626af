package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// Grant gives userID the listed permissions over a deployment, replacing any
// previous grant for the same pair.
func (r *Registry) Grant(ctx context.Context, deploymentID uuid.UUID, userID string, perms []store.Permission, grantedBy string) (*store.DelegatedAccessData, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidDeployment)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidDeployment)
	}
	seen := make(map[store.Permission]bool, len(perms))
	var clean []store.Permission
	for _, p := range perms {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidDeployment, p)
		}
		if !seen[p] {
			seen[p] = true
			clean = append(clean, p)
		}
	}
	if _, err := r.GetByID(ctx, deploymentID); err != nil {
		return nil, err
	}

	g := &store.DelegatedAccessData{
		DeploymentID: deploymentID,
		UserID:       userID,
		Permissions:  clean,
		GrantedBy:    grantedBy,
	}
	if err := r.access.Grant(ctx, g); err != nil {
		return nil, fmt.Errorf("grant access: %w", err)
	}
	return g, nil
}

// Revoke removes a user's grant over a deployment.
func (r *Registry) Revoke(ctx context.Context, deploymentID uuid.UUID, userID string) error {
	if err := r.access.Revoke(ctx, deploymentID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no grant for %s", ErrResourceNotFound, userID)
		}
		return fmt.Errorf("revoke access: %w", err)
	}
	return nil
}

// ListAccess returns every grant over a deployment.
func (r *Registry) ListAccess(ctx context.Context, deploymentID uuid.UUID) ([]store.DelegatedAccessData, error) {
	return r.access.ListByDeployment(ctx, deploymentID)
}

// Can reports whether userID holds perm over the deployment.
// Toggle and configure both imply view.
func (r *Registry) Can(ctx context.Context, userID string, deploymentID uuid.UUID, perm store.Permission) (bool, error) {
	g, err := r.access.Get(ctx, deploymentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if g.Has(perm) {
		return true, nil
	}
	if perm == store.PermView {
		return g.Has(store.PermToggle) || g.Has(store.PermConfigure), nil
	}
	return false, nil
}
