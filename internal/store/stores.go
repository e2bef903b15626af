package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Deployments DeploymentStore
	Access      DelegatedAccessStore
	Triggers    TriggerStore
	Campaigns   CampaignStore
	Handoff     HandoffStore
}

// StoreConfig configures store creation.
type StoreConfig struct {
	PostgresDSN  string
	MaxOpenConns int
}

// GenNewID returns a time-ordered UUID (v7), falling back to v4.
func GenNewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

type userIDKey struct{}

// WithUserID returns a context carrying the acting user's ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the acting user's ID, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}
