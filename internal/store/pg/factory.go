package pg

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// The returned *sql.DB is owned by the caller.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &store.Stores{
		Deployments: NewPGDeploymentStore(db),
		Access:      NewPGAccessStore(db),
		Triggers:    NewPGTriggerStore(db),
		Campaigns:   NewPGCampaignStore(db),
		Handoff:     NewPGHandoffStore(db),
	}, db, nil
}
