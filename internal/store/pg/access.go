package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// PGAccessStore implements store.DelegatedAccessStore backed by Postgres.
type PGAccessStore struct {
	db *sql.DB
}

func NewPGAccessStore(db *sql.DB) *PGAccessStore {
	return &PGAccessStore{db: db}
}

const accessSelectCols = `id, deployment_id, user_id, permissions, granted_by, created_at`

func (s *PGAccessStore) Grant(ctx context.Context, g *store.DelegatedAccessData) error {
	if g.ID == uuid.Nil {
		g.ID = store.GenNewID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	perms := make([]string, len(g.Permissions))
	for i, p := range g.Permissions {
		perms[i] = string(p)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO deployment_access (`+accessSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (deployment_id, user_id)
		 DO UPDATE SET permissions = EXCLUDED.permissions, granted_by = EXCLUDED.granted_by
		 RETURNING id, created_at`,
		g.ID, g.DeploymentID, g.UserID, pq.Array(perms), g.GrantedBy, g.CreatedAt,
	)
	return mapErr(row.Scan(&g.ID, &g.CreatedAt))
}

func (s *PGAccessStore) Revoke(ctx context.Context, deploymentID uuid.UUID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deployment_access WHERE deployment_id = $1 AND user_id = $2`,
		deploymentID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGAccessStore) Get(ctx context.Context, deploymentID uuid.UUID, userID string) (*store.DelegatedAccessData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessSelectCols+` FROM deployment_access WHERE deployment_id = $1 AND user_id = $2`,
		deploymentID, userID)
	return scanAccess(row)
}

func (s *PGAccessStore) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]store.DelegatedAccessData, error) {
	return s.list(ctx, `SELECT `+accessSelectCols+` FROM deployment_access WHERE deployment_id = $1 ORDER BY created_at`, deploymentID)
}

func (s *PGAccessStore) ListByUser(ctx context.Context, userID string) ([]store.DelegatedAccessData, error) {
	return s.list(ctx, `SELECT `+accessSelectCols+` FROM deployment_access WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PGAccessStore) list(ctx context.Context, q string, arg any) ([]store.DelegatedAccessData, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.DelegatedAccessData
	for rows.Next() {
		g, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *g)
	}
	return result, rows.Err()
}

func scanAccess(row rowScanner) (*store.DelegatedAccessData, error) {
	var g store.DelegatedAccessData
	var perms []string
	if err := row.Scan(&g.ID, &g.DeploymentID, &g.UserID, pq.Array(&perms), &g.GrantedBy, &g.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	for _, p := range perms {
		g.Permissions = append(g.Permissions, store.Permission(p))
	}
	return &g, nil
}
