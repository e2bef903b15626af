package deployment

import (
	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// Patch is a partial update. Nil fields keep their current value.
// Tenant, channel and resource binding are not patchable.
type Patch struct {
	Enabled *bool `json:"enabled,omitempty"`

	ScheduleEnabled  *bool     `json:"schedule_enabled,omitempty"`
	ScheduleStart    *string   `json:"schedule_start_time,omitempty"`
	ScheduleEnd      *string   `json:"schedule_end_time,omitempty"`
	ScheduleDays     *[]string `json:"schedule_days,omitempty"`
	ScheduleTimezone *string   `json:"schedule_timezone,omitempty"`

	AutoRespond              *bool `json:"auto_respond,omitempty"`
	HandoffEnabled           *bool `json:"handoff_enabled,omitempty"`
	MaxMessagesBeforeHandoff *int  `json:"max_messages_before_handoff,omitempty"`

	WelcomeMessage *string `json:"welcome_message,omitempty"`
	HandoffMessage *string `json:"handoff_message,omitempty"`
	AwayMessage    *string `json:"away_message,omitempty"`

	PriorityMode *store.PriorityMode `json:"priority_mode,omitempty"`
}

// IsEmpty reports whether the patch sets nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// ApplyPatch returns d with every supplied field of p applied.
func ApplyPatch(d store.DeploymentData, p Patch) store.DeploymentData {
	if d.Schedule.Days != nil {
		d.Schedule.Days = append([]string(nil), d.Schedule.Days...)
	}

	setBool(&d.Enabled, p.Enabled)

	setBool(&d.Schedule.Enabled, p.ScheduleEnabled)
	setString(&d.Schedule.Start, p.ScheduleStart)
	setString(&d.Schedule.End, p.ScheduleEnd)
	setString(&d.Schedule.Timezone, p.ScheduleTimezone)
	if p.ScheduleDays != nil {
		d.Schedule.Days = schedule.NormalizeDays(*p.ScheduleDays)
	}

	setBool(&d.Behavior.AutoRespond, p.AutoRespond)
	setBool(&d.Behavior.HandoffEnabled, p.HandoffEnabled)
	if p.MaxMessagesBeforeHandoff != nil {
		d.Behavior.MaxMessagesBeforeHandoff = *p.MaxMessagesBeforeHandoff
	}

	setString(&d.Messages.Welcome, p.WelcomeMessage)
	setString(&d.Messages.Handoff, p.HandoffMessage)
	setString(&d.Messages.Away, p.AwayMessage)

	if p.PriorityMode != nil {
		d.PriorityMode = *p.PriorityMode
	}
	return d
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
