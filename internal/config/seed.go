package config

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// seedNamespace derives stable deployment IDs so reloads keep identities.
var seedNamespace = uuid.MustParse("7c1d7f4e-3f0b-4b8e-9a51-2f6f0c7f4a10")

// SeedConfig holds the standalone-mode data set. It is ignored in managed mode.
type SeedConfig struct {
	Deployments []SeedDeployment             `json:"deployments,omitempty"`
	Triggers    []store.TriggerData          `json:"triggers,omitempty"`
	Campaigns   []store.CampaignConversation `json:"campaigns,omitempty"`
}

// SeedDeployment is a deployment declared in the config file.
type SeedDeployment struct {
	TenantID     string             `json:"tenant_id"`
	Channel      store.Channel      `json:"channel"`
	Resource     store.ResourceRef  `json:"resource"`
	Enabled      bool               `json:"enabled"`
	Schedule     schedule.Config    `json:"schedule"`
	Behavior     store.Behavior     `json:"behavior"`
	Messages     store.Messages     `json:"messages"`
	PriorityMode store.PriorityMode `json:"priority_mode,omitempty"`
}

// ID returns the stable deployment ID for this seed entry.
func (s SeedDeployment) ID() uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(s.TenantID+"\x00"+s.Resource.String()))
}

// Data converts the seed entry into a stored deployment.
func (s SeedDeployment) Data() store.DeploymentData {
	mode := s.PriorityMode
	if mode == "" {
		mode = store.PriorityNormal
	}
	sc := s.Schedule
	sc.Days = schedule.NormalizeDays(sc.Days)
	return store.DeploymentData{
		ID:           s.ID(),
		TenantID:     s.TenantID,
		Channel:      s.Channel,
		Resource:     s.Resource,
		Enabled:      s.Enabled,
		Schedule:     sc,
		Behavior:     s.Behavior,
		Messages:     s.Messages,
		PriorityMode: mode,
	}
}

// DeploymentData converts every seed deployment.
func (s SeedConfig) DeploymentData() []store.DeploymentData {
	out := make([]store.DeploymentData, 0, len(s.Deployments))
	for _, d := range s.Deployments {
		out = append(out, d.Data())
	}
	return out
}

// Validate checks seed deployments the way the registry checks creates.
func (s SeedConfig) Validate() error {
	seen := make(map[string]bool, len(s.Deployments))
	for i, d := range s.Deployments {
		if d.TenantID == "" {
			return fmt.Errorf("deployments[%d]: tenant_id is required", i)
		}
		if !d.Channel.Valid() {
			return fmt.Errorf("deployments[%d]: unknown channel %q", i, d.Channel)
		}
		if d.Resource.ID == "" || !d.Resource.BelongsTo(d.Channel) {
			return fmt.Errorf("deployments[%d]: resource %s cannot serve channel %s", i, d.Resource, d.Channel)
		}
		if d.PriorityMode != "" && !d.PriorityMode.Valid() {
			return fmt.Errorf("deployments[%d]: unknown priority mode %q", i, d.PriorityMode)
		}
		if err := schedule.Validate(d.Schedule); err != nil {
			return fmt.Errorf("deployments[%d]: %w", i, err)
		}
		key := d.TenantID + "\x00" + d.Resource.String()
		if seen[key] {
			return fmt.Errorf("deployments[%d]: duplicate resource %s for tenant %s", i, d.Resource, d.TenantID)
		}
		seen[key] = true
	}
	for i, c := range s.Campaigns {
		switch c.ReplyHandling {
		case store.ReplyHandlingAI, store.ReplyHandlingHuman, store.ReplyHandlingIgnore:
		default:
			return fmt.Errorf("campaigns[%d]: unknown reply_handling %q", i, c.ReplyHandling)
		}
	}
	return nil
}
