package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/store/memory"
)

// Monday 2026-10-12 09:00 UTC
var monday9 = time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

type fixture struct {
	router    *Router
	registry  *deployment.Registry
	triggers  *memory.TriggerStore
	campaigns *memory.CampaignStore
	handoffs  *memory.HandoffStore
	tracker   *handoff.Tracker
	queue     *queue.Memory
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:  deployment.NewRegistry(memory.NewDeploymentStore(), memory.NewAccessStore()),
		triggers:  memory.NewTriggerStore(),
		campaigns: memory.NewCampaignStore(),
		handoffs:  memory.NewHandoffStore(),
		queue:     queue.NewMemory(),
		now:       monday9,
	}
	f.tracker = handoff.NewTracker(f.handoffs)
	f.router = NewRouter(Deps{
		Deployments: f.registry,
		Triggers:    f.triggers,
		Campaigns:   f.campaigns,
		Handoff:     f.tracker,
		Queue:       f.queue,
		Now:         func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) addEmailDeployment(t *testing.T, mut func(*deployment.CreateRequest)) *store.DeploymentData {
	t.Helper()
	req := deployment.CreateRequest{
		TenantID:       "t1",
		Channel:        store.ChannelEmail,
		EmailAccountID: "acct-1",
		Enabled:        true,
		Behavior:       store.Behavior{AutoRespond: true},
	}
	if mut != nil {
		mut(&req)
	}
	d, err := f.registry.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func businessHours(req *deployment.CreateRequest) {
	req.Schedule = schedule.Config{
		Enabled:  true,
		Start:    "09:00",
		End:      "17:00",
		Days:     []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		Timezone: "UTC",
	}
}

func emailMsg(id string) bus.InboundMessage {
	return bus.InboundMessage{
		MessageID:      id,
		TenantID:       "t1",
		ConversationID: "conv-1",
		Channel:        store.ChannelEmail,
		SenderID:       "alice@example.com",
		Body:           "hello",
		Subject:        "question",
		Resource:       store.ResourceRef{Kind: store.RefEmailAccount, ID: "acct-1"},
	}
}

func TestRoute_WorkflowBeatsCampaign(t *testing.T) {
	f := newFixture(t)
	f.addEmailDeployment(t, nil)
	f.triggers.Set("t1", "email.message", true)
	f.campaigns.Put(store.CampaignConversation{ConversationID: "conv-1", TenantID: "t1", CampaignID: "camp-1", ReplyHandling: store.ReplyHandlingAI})

	d, err := f.router.Route(context.Background(), emailMsg("m1"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Destination != queue.DestWorkflow {
		t.Fatalf("Destination = %s, want workflow", d.Destination)
	}
	if d.TriggerKey != "email.message" {
		t.Errorf("TriggerKey = %q, want email.message", d.TriggerKey)
	}
	sender, _ := d.TriggerData["sender"].(map[string]any)
	if sender["email"] != "alice@example.com" {
		t.Errorf("sender = %v, want email alice@example.com", sender)
	}
	if n, _ := f.queue.Len(context.Background(), queue.StreamWorkflow); n != 1 {
		t.Errorf("workflow stream length = %d, want 1", n)
	}
	if n, _ := f.queue.Len(context.Background(), queue.StreamAI); n != 0 {
		t.Errorf("ai stream length = %d, want 0", n)
	}
}

func TestRoute_EnqueuesOnDestinationStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addEmailDeployment(t, nil)
	if err := f.queue.EnsureGroup(ctx, queue.StreamAI, queue.StreamAI); err != nil {
		t.Fatal(err)
	}

	d, err := f.router.Route(ctx, emailMsg("m1"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.EntryID == "" {
		t.Fatal("EntryID not set")
	}
	got, err := f.queue.Read(ctx, queue.StreamAI, queue.StreamAI, "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MessageID != "m1" || got[0].AgentType != queue.AgentDefault {
		t.Fatalf("read %+v, want one default-agent entry for m1", got)
	}
}

func TestRoute_CampaignIgnoresSchedule(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 10, 11, 3, 0, 0, 0, time.UTC) // Sunday night
	f.addEmailDeployment(t, businessHours)
	f.campaigns.Put(store.CampaignConversation{ConversationID: "conv-1", TenantID: "t1", CampaignID: "camp-1", ReplyHandling: store.ReplyHandlingAI})

	d, err := f.router.Route(context.Background(), emailMsg("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Destination != queue.DestAI || d.AgentType != queue.AgentCampaign || d.CampaignID != "camp-1" {
		t.Errorf("got %s/%s/%s, want ai/campaign/camp-1", d.Destination, d.AgentType, d.CampaignID)
	}
}

func TestRoute_CampaignHumanFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.addEmailDeployment(t, nil)
	f.campaigns.Put(store.CampaignConversation{ConversationID: "conv-1", TenantID: "t1", CampaignID: "camp-1", ReplyHandling: store.ReplyHandlingHuman})

	d := f.router.Decide(context.Background(), emailMsg("m1"))
	if d.Destination != queue.DestAI || d.AgentType != queue.AgentDefault {
		t.Errorf("got %s/%s, want ai/default", d.Destination, d.AgentType)
	}
}

func TestRoute_CampaignHandedOffStaysSilent(t *testing.T) {
	f := newFixture(t)
	f.campaigns.Put(store.CampaignConversation{ConversationID: "conv-1", TenantID: "t1", CampaignID: "camp-1", ReplyHandling: store.ReplyHandlingAI})
	if _, err := f.tracker.Takeover(context.Background(), "t1", "conv-1", ""); err != nil {
		t.Fatal(err)
	}

	d := f.router.Decide(context.Background(), emailMsg("m1"))
	if d.Destination != DestinationNone || d.Reason != ReasonHandedOff {
		t.Errorf("got %s (%s), want none/handed off", d.Destination, d.Reason)
	}
}

func TestRoute_NoDeployment(t *testing.T) {
	f := newFixture(t)
	d, err := f.router.Route(context.Background(), emailMsg("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Destination != DestinationNone {
		t.Fatalf("Destination = %s, want none", d.Destination)
	}
	if d.Cause != nil {
		t.Errorf("Cause = %v, want nil for an unconfigured resource", d.Cause)
	}
	if d.Reason != ReasonNotEnabled {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonNotEnabled)
	}
}

func TestRoute_ScheduleBoundary(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want queue.Destination
	}{
		{"one minute before opening", monday9.Add(-time.Minute), DestinationNone},
		{"at opening", monday9, queue.DestAI},
		{"at closing", time.Date(2026, 10, 12, 17, 0, 0, 0, time.UTC), queue.DestAI},
		{"after closing", time.Date(2026, 10, 12, 17, 1, 0, 0, time.UTC), DestinationNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addEmailDeployment(t, businessHours)
			f.now = tt.at
			if d := f.router.Decide(context.Background(), emailMsg("m1")); d.Destination != tt.want {
				t.Errorf("Destination = %s, want %s", d.Destination, tt.want)
			}
		})
	}
}

func TestRoute_PriorityModes(t *testing.T) {
	offDuty := time.Date(2026, 10, 12, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		mode store.PriorityMode
		auto bool
		at   time.Time
		want queue.Destination
	}{
		{"always_ai off duty", store.PriorityAlwaysAI, true, offDuty, queue.DestAI},
		{"always_human on duty", store.PriorityAlwaysHuman, true, monday9, DestinationNone},
		{"schedule_only without auto-respond", store.PriorityScheduleOnly, false, monday9, queue.DestAI},
		{"normal without auto-respond", store.PriorityNormal, false, monday9, DestinationNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addEmailDeployment(t, func(r *deployment.CreateRequest) {
				businessHours(r)
				r.PriorityMode = tt.mode
				r.Behavior.AutoRespond = tt.auto
			})
			f.now = tt.at
			if d := f.router.Decide(context.Background(), emailMsg("m1")); d.Destination != tt.want {
				t.Errorf("Destination = %s, want %s", d.Destination, tt.want)
			}
		})
	}
}

func TestRoute_HandoffAfterThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep := f.addEmailDeployment(t, func(r *deployment.CreateRequest) {
		r.Behavior.HandoffEnabled = true
		r.Behavior.MaxMessagesBeforeHandoff = 3
	})

	for i := 0; i < 3; i++ {
		d := f.router.Decide(ctx, emailMsg("m"))
		if d.Destination != queue.DestAI {
			t.Fatalf("message %d: Destination = %s, want ai", i+1, d.Destination)
		}
		if _, err := f.tracker.RecordAITurn(ctx, "t1", "conv-1", dep); err != nil {
			t.Fatal(err)
		}
	}

	d := f.router.Decide(ctx, emailMsg("m4"))
	if d.Destination != DestinationNone || d.HandoffState != store.StateHandedOff {
		t.Errorf("4th message: got %s/%s, want none/handed-off", d.Destination, d.HandoffState)
	}
}

type failingTriggers struct{}

func (failingTriggers) HasActiveTrigger(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRoute_LookupFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.addEmailDeployment(t, nil)
	f.router.triggers = failingTriggers{}

	d, err := f.router.Route(context.Background(), emailMsg("m1"))
	if err != nil {
		t.Fatalf("Route error = %v, want nil", err)
	}
	if d.Destination != DestinationNone {
		t.Fatalf("Destination = %s, want none", d.Destination)
	}
	var le *LookupError
	if !errors.As(d.Cause, &le) || le.Kind != LookupTrigger {
		t.Errorf("Cause = %v, want trigger LookupError", d.Cause)
	}
}

func TestRoute_InvalidScheduleFailsClosed(t *testing.T) {
	f := newFixture(t)
	dep := f.addEmailDeployment(t, nil)
	// Corrupt the stored schedule past validation.
	broken := *dep
	broken.Schedule = schedule.Config{Enabled: true, Start: "9am", End: "17:00", Days: []string{"monday"}}
	f.router.deployments = staticLookup{&broken}

	d := f.router.Decide(context.Background(), emailMsg("m1"))
	if d.Destination != DestinationNone || d.CauseKind() != LookupSchedule {
		t.Errorf("got %s cause=%v, want none with schedule cause", d.Destination, d.Cause)
	}
}

type staticLookup struct{ d *store.DeploymentData }

func (s staticLookup) Resolve(context.Context, string, store.Channel, store.ResourceRef) (*store.DeploymentData, error) {
	return s.d, nil
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, queue.Entry) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}

func TestRoute_EnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.addEmailDeployment(t, nil)
	f.router.queue = brokenQueue{}

	d, err := f.router.Route(context.Background(), emailMsg("m1"))
	if !errors.Is(err, queue.ErrQueueUnavailable) {
		t.Fatalf("err = %v, want ErrQueueUnavailable", err)
	}
	if d.Destination != queue.DestAI || d.EntryID != "" {
		t.Errorf("got %s entry=%q, want ai decision without entry", d.Destination, d.EntryID)
	}
}

func TestRoute_InvalidMessage(t *testing.T) {
	f := newFixture(t)
	msg := emailMsg("")
	if _, err := f.router.Route(context.Background(), msg); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestShouldAIRespond_NoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addEmailDeployment(t, func(r *deployment.CreateRequest) { r.PriorityMode = store.PriorityAlwaysHuman })
	ref := store.ResourceRef{Kind: store.RefEmailAccount, ID: "acct-1"}

	if f.router.ShouldAIRespond(ctx, "t1", store.ChannelEmail, ref, "conv-1") {
		t.Error("ShouldAIRespond = true for always_human")
	}
	h, _ := f.handoffs.Get(ctx, "t1", "conv-1")
	if h.State != store.StateAIActive {
		t.Errorf("stored state = %s, status check must not persist", h.State)
	}
	for _, s := range queue.Streams() {
		if n, _ := f.queue.Len(ctx, s); n != 0 {
			t.Errorf("status check enqueued %d entries on %s", n, s)
		}
	}
}

func TestShouldAIRespond_DefaultResource(t *testing.T) {
	f := newFixture(t)
	f.addEmailDeployment(t, nil)
	if !f.router.ShouldAIRespond(context.Background(), "t1", store.ChannelEmail, store.ResourceRef{}, "") {
		t.Error("ShouldAIRespond on the tenant's default resource = false, want true")
	}
}

func TestLookupError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := error(&LookupError{Kind: LookupRegistry, Err: base})
	if !errors.Is(err, base) {
		t.Error("LookupError does not unwrap")
	}
	if got := err.Error(); got != "registry lookup: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 010-9999": "+15550109999",
		"0044 20 7946 0000": "+442079460000",
		"555-0100":          "+5550100",
		"":                  "",
		"n/a":               "",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTriggerData_WhatsAppSender(t *testing.T) {
	msg := bus.InboundMessage{MessageID: "m1", TenantID: "t1", ConversationID: "c1", Channel: store.ChannelWhatsApp, SenderID: "+1 555 0100", Body: "hi"}
	data := TriggerData(msg, monday9)
	sender := data["sender"].(map[string]any)
	if sender["normalized_phone"] != "+15550100" {
		t.Errorf("normalized_phone = %v", sender["normalized_phone"])
	}
	if data["decided_at"] != "2026-10-12T09:00:00Z" {
		t.Errorf("decided_at = %v", data["decided_at"])
	}
	if _, ok := data["message"].(map[string]any)["subject"]; ok {
		t.Error("subject present for non-email message")
	}
}
