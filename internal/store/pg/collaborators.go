package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// PGTriggerStore reads the workflow engine's trigger table.
type PGTriggerStore struct {
	db *sql.DB
}

func NewPGTriggerStore(db *sql.DB) *PGTriggerStore {
	return &PGTriggerStore{db: db}
}

func (s *PGTriggerStore) HasActiveTrigger(ctx context.Context, tenantID, triggerKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM workflow_triggers
		   WHERE tenant_id = $1 AND trigger_key = $2 AND is_active = true
		 )`, tenantID, triggerKey).Scan(&exists)
	return exists, err
}

// PGCampaignStore reads campaign ownership of conversations.
type PGCampaignStore struct {
	db *sql.DB
}

func NewPGCampaignStore(db *sql.DB) *PGCampaignStore {
	return &PGCampaignStore{db: db}
}

func (s *PGCampaignStore) GetByConversation(ctx context.Context, conversationID string) (*store.CampaignConversation, error) {
	var c store.CampaignConversation
	var handling string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, tenant_id, campaign_id, reply_handling
		 FROM campaign_conversations WHERE conversation_id = $1`, conversationID).
		Scan(&c.ConversationID, &c.TenantID, &c.CampaignID, &handling)
	if err != nil {
		return nil, mapErr(err)
	}
	c.ReplyHandling = store.ReplyHandling(handling)
	return &c, nil
}

// PGHandoffStore implements store.HandoffStore backed by Postgres.
type PGHandoffStore struct {
	db *sql.DB
}

func NewPGHandoffStore(db *sql.DB) *PGHandoffStore {
	return &PGHandoffStore{db: db}
}

const handoffSelectCols = `tenant_id, conversation_id, state, ai_turns, reason, updated_at`

func (s *PGHandoffStore) Get(ctx context.Context, tenantID, conversationID string) (*store.HandoffData, error) {
	d, err := scanHandoff(s.db.QueryRowContext(ctx,
		`SELECT `+handoffSelectCols+` FROM conversation_handoff WHERE tenant_id = $1 AND conversation_id = $2`,
		tenantID, conversationID))
	if err == store.ErrNotFound {
		return &store.HandoffData{TenantID: tenantID, ConversationID: conversationID, State: store.StateAIActive}, nil
	}
	return d, err
}

func (s *PGHandoffStore) IncrementAITurns(ctx context.Context, tenantID, conversationID string) (*store.HandoffData, error) {
	return scanHandoff(s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_handoff (tenant_id, conversation_id, state, ai_turns, updated_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (tenant_id, conversation_id)
		 DO UPDATE SET ai_turns = conversation_handoff.ai_turns + 1, updated_at = EXCLUDED.updated_at
		 RETURNING `+handoffSelectCols,
		tenantID, conversationID, string(store.StateAIActive), time.Now().UTC()))
}

func (s *PGHandoffStore) SetState(ctx context.Context, tenantID, conversationID string, state store.HandoffState, reason string) (*store.HandoffData, error) {
	return scanHandoff(s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_handoff (tenant_id, conversation_id, state, ai_turns, reason, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)
		 ON CONFLICT (tenant_id, conversation_id)
		 DO UPDATE SET state = EXCLUDED.state, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at,
		   ai_turns = CASE WHEN EXCLUDED.state = 'ai-active' THEN 0 ELSE conversation_handoff.ai_turns END
		 RETURNING `+handoffSelectCols,
		tenantID, conversationID, string(state), nilStr(reason), time.Now().UTC()))
}

func scanHandoff(row rowScanner) (*store.HandoffData, error) {
	var d store.HandoffData
	var state string
	var reason *string
	if err := row.Scan(&d.TenantID, &d.ConversationID, &state, &d.AITurns, &reason, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	d.State = store.HandoffState(state)
	d.Reason = derefStr(reason)
	return &d, nil
}
