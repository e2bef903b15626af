package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// PGDeploymentStore implements store.DeploymentStore backed by Postgres.
type PGDeploymentStore struct {
	db *sql.DB
}

func NewPGDeploymentStore(db *sql.DB) *PGDeploymentStore {
	return &PGDeploymentStore{db: db}
}

const deploymentSelectCols = `id, tenant_id, channel, resource_kind, resource_id, is_enabled,
 schedule_enabled, schedule_start_time, schedule_end_time, schedule_days, schedule_timezone,
 auto_respond, handoff_enabled, max_messages_before_handoff,
 welcome_message, handoff_message, away_message, priority_mode, created_at, updated_at`

func (s *PGDeploymentStore) Insert(ctx context.Context, d *store.DeploymentData) error {
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_deployment_resources (`+deploymentSelectCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		d.ID, d.TenantID, string(d.Channel), string(d.Resource.Kind), d.Resource.ID, d.Enabled,
		d.Schedule.Enabled, d.Schedule.Start, d.Schedule.End, pq.Array(d.Schedule.Days), d.Schedule.Timezone,
		d.Behavior.AutoRespond, d.Behavior.HandoffEnabled, d.Behavior.MaxMessagesBeforeHandoff,
		nilStr(d.Messages.Welcome), nilStr(d.Messages.Handoff), nilStr(d.Messages.Away),
		string(d.PriorityMode), d.CreatedAt, d.UpdatedAt,
	)
	return mapErr(err)
}

func (s *PGDeploymentStore) Get(ctx context.Context, id uuid.UUID) (*store.DeploymentData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentSelectCols+` FROM ai_deployment_resources WHERE id = $1`, id)
	return scanDeployment(row)
}

func (s *PGDeploymentStore) GetByResource(ctx context.Context, tenantID string, ref store.ResourceRef) (*store.DeploymentData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentSelectCols+` FROM ai_deployment_resources
		 WHERE tenant_id = $1 AND resource_kind = $2 AND resource_id = $3`,
		tenantID, string(ref.Kind), ref.ID)
	return scanDeployment(row)
}

func (s *PGDeploymentStore) ListByTenant(ctx context.Context, tenantID string, channel store.Channel) ([]store.DeploymentData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentSelectCols+` FROM ai_deployment_resources
		 WHERE tenant_id = $1 AND ($2 = '' OR channel = $2)
		 ORDER BY created_at, id`,
		tenantID, string(channel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.DeploymentData
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// Save writes all mutable columns. Identity columns (tenant, channel, resource) are never updated.
func (s *PGDeploymentStore) Save(ctx context.Context, d *store.DeploymentData) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_deployment_resources SET
		   is_enabled = $2,
		   schedule_enabled = $3, schedule_start_time = $4, schedule_end_time = $5,
		   schedule_days = $6, schedule_timezone = $7,
		   auto_respond = $8, handoff_enabled = $9, max_messages_before_handoff = $10,
		   welcome_message = $11, handoff_message = $12, away_message = $13,
		   priority_mode = $14, updated_at = $15
		 WHERE id = $1`,
		d.ID, d.Enabled,
		d.Schedule.Enabled, d.Schedule.Start, d.Schedule.End, pq.Array(d.Schedule.Days), d.Schedule.Timezone,
		d.Behavior.AutoRespond, d.Behavior.HandoffEnabled, d.Behavior.MaxMessagesBeforeHandoff,
		nilStr(d.Messages.Welcome), nilStr(d.Messages.Handoff), nilStr(d.Messages.Away),
		string(d.PriorityMode), d.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*store.DeploymentData, error) {
	var d store.DeploymentData
	var channel, kind, mode string
	var welcome, handoff, away *string
	var days []string

	err := row.Scan(
		&d.ID, &d.TenantID, &channel, &kind, &d.Resource.ID, &d.Enabled,
		&d.Schedule.Enabled, &d.Schedule.Start, &d.Schedule.End, pq.Array(&days), &d.Schedule.Timezone,
		&d.Behavior.AutoRespond, &d.Behavior.HandoffEnabled, &d.Behavior.MaxMessagesBeforeHandoff,
		&welcome, &handoff, &away, &mode, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	d.Channel = store.Channel(channel)
	d.Resource.Kind = store.RefKind(kind)
	d.PriorityMode = store.PriorityMode(mode)
	d.Schedule.Days = days
	d.Messages = store.Messages{Welcome: derefStr(welcome), Handoff: derefStr(handoff), Away: derefStr(away)}
	return &d, nil
}
