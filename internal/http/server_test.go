package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/routing"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/store/memory"
)

const testToken = "s3cret"

type apiFixture struct {
	mux      *http.ServeMux
	registry *deployment.Registry
	triggers *memory.TriggerStore
	queue    *queue.Memory
}

func newAPI(t *testing.T, rpm int) *apiFixture {
	t.Helper()
	stores := memory.NewStores()
	registry := deployment.NewRegistry(stores.Deployments, stores.Access)
	tracker := handoff.NewTracker(stores.Handoff)
	q := queue.NewMemory()
	router := routing.NewRouter(routing.Deps{
		Deployments: registry,
		Triggers:    stores.Triggers,
		Campaigns:   stores.Campaigns,
		Handoff:     tracker,
		Queue:       q,
		Now:         func() time.Time { return time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC) },
	})
	return &apiFixture{
		mux: NewServeMux(Deps{
			Router:       router,
			Registry:     registry,
			Handoff:      tracker,
			Queue:        q,
			Token:        testToken,
			RateLimitRPM: rpm,
			Version:      "test",
		}),
		registry: registry,
		triggers: stores.Triggers.(*memory.TriggerStore),
		queue:    q,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *apiFixture) createEmailDeployment(t *testing.T) store.DeploymentData {
	t.Helper()
	rec := f.do(t, "POST", "/v1/deployments", "", map[string]any{
		"tenant_id":        "t1",
		"channel":          "email",
		"email_account_id": "acct-1",
		"enabled":          true,
		"behavior":         map[string]any{"auto_respond": true},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	return decode[store.DeploymentData](t, rec)
}

func inboundBody(id string) map[string]any {
	return map[string]any{
		"message_id":      id,
		"tenant_id":       "t1",
		"conversation_id": "conv-1",
		"channel":         "email",
		"sender_id":       "alice@example.com",
		"body":            "hi",
		"resource":        map[string]string{"kind": "email_account", "id": "acct-1"},
	}
}

func TestAuth(t *testing.T) {
	f := newAPI(t, 0)
	req := httptest.NewRequest("GET", "/v1/tenants/t1/deployments", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newAPI(t, 0)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestInbound_RoutesToAI(t *testing.T) {
	f := newAPI(t, 0)
	f.createEmailDeployment(t)

	rec := f.do(t, "POST", "/v1/inbound", "", inboundBody("m1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[decisionResponse](t, rec)
	if resp.Decision.Destination != queue.DestAI || resp.Decision.EntryID == "" {
		t.Errorf("decision = %+v", resp.Decision)
	}
	if n, _ := f.queue.Len(context.Background(), queue.StreamAI); n != 1 {
		t.Errorf("ai stream length = %d, want 1", n)
	}
}

func TestInbound_NoDeploymentIsOK(t *testing.T) {
	f := newAPI(t, 0)
	rec := f.do(t, "POST", "/v1/inbound", "", inboundBody("m1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[decisionResponse](t, rec)
	if resp.Decision.Destination != routing.DestinationNone || resp.Cause != "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestInbound_Invalid(t *testing.T) {
	f := newAPI(t, 0)
	body := inboundBody("")
	if rec := f.do(t, "POST", "/v1/inbound", "", body); rec.Code != http.StatusBadRequest {
		t.Errorf("missing message_id: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/v1/inbound", "", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want 400", rec.Code)
	}
}

func TestInbound_QueueUnavailable(t *testing.T) {
	f := newAPI(t, 0)
	f.createEmailDeployment(t)
	f.queue.Close()

	rec := f.do(t, "POST", "/v1/inbound", "", inboundBody("m1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", rec.Code, rec.Body)
	}
}

func TestInbound_TenantRateLimit(t *testing.T) {
	f := newAPI(t, 2)
	for i := 0; i < 2; i++ {
		if rec := f.do(t, "POST", "/v1/inbound", "", inboundBody("m")); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited", i+1)
		}
	}
	if rec := f.do(t, "POST", "/v1/inbound", "", inboundBody("m")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", rec.Code)
	}
}

func TestAIStatus(t *testing.T) {
	f := newAPI(t, 0)
	f.createEmailDeployment(t)

	rec := f.do(t, "GET", "/v1/tenants/t1/ai-status?channel=email&kind=email_account&ref=acct-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]any](t, rec)
	if resp["should_respond"] != true {
		t.Errorf("should_respond = %v, want true", resp["should_respond"])
	}

	f.triggers.Set("t1", "email.message", true)
	resp = decode[map[string]any](t, f.do(t, "GET", "/v1/tenants/t1/ai-status?channel=email", "", nil))
	if resp["should_respond"] != false {
		t.Errorf("with workflow trigger should_respond = %v, want false", resp["should_respond"])
	}

	if rec := f.do(t, "GET", "/v1/tenants/t1/ai-status?channel=fax", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown channel status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/tenants/t1/ai-status?channel=email&kind=widget&ref=w1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("mismatched ref status = %d, want 400", rec.Code)
	}
}

func TestDeployments_CreateRejectsBadBinding(t *testing.T) {
	f := newAPI(t, 0)
	rec := f.do(t, "POST", "/v1/deployments", "", map[string]any{
		"tenant_id":        "t1",
		"channel":          "email",
		"email_account_id": "a",
		"widget_id":        "w",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeployments_PatchAndDelegatedAccess(t *testing.T) {
	f := newAPI(t, 0)
	d := f.createEmailDeployment(t)
	base := "/v1/deployments/" + d.ID.String()

	if rec := f.do(t, "GET", base, "bob", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("ungranted view status = %d, want 403", rec.Code)
	}

	rec := f.do(t, "POST", base+"/access", "", map[string]any{"user_id": "bob", "permissions": []string{"toggle"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", rec.Code, rec.Body)
	}

	if rec := f.do(t, "GET", base, "bob", nil); rec.Code != http.StatusOK {
		t.Errorf("toggle grant view status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, "PATCH", base, "bob", map[string]any{"enabled": false}); rec.Code != http.StatusOK {
		t.Errorf("toggle status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "PATCH", base, "bob", map[string]any{"priority_mode": "always_ai"}); rec.Code != http.StatusForbidden {
		t.Errorf("configure without grant status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, "POST", base+"/access", "bob", map[string]any{"user_id": "eve", "permissions": []string{"view"}}); rec.Code != http.StatusForbidden {
		t.Errorf("delegated user granting status = %d, want 403", rec.Code)
	}

	rec = f.do(t, "PATCH", base, "", map[string]any{"handoff_enabled": true, "max_messages_before_handoff": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid patch status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "PATCH", base, "", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", rec.Code)
	}

	list := decode[map[string][]store.DeploymentData](t, f.do(t, "GET", "/v1/tenants/t1/deployments", "bob", nil))
	if len(list["deployments"]) != 1 || list["deployments"][0].Enabled {
		t.Errorf("bob's list = %+v, want one disabled deployment", list["deployments"])
	}

	if rec := f.do(t, "DELETE", base+"/access/bob", "", nil); rec.Code != http.StatusOK {
		t.Errorf("revoke status = %d", rec.Code)
	}
	list = decode[map[string][]store.DeploymentData](t, f.do(t, "GET", "/v1/tenants/t1/deployments", "bob", nil))
	if len(list["deployments"]) != 0 {
		t.Errorf("list after revoke = %d entries, want 0", len(list["deployments"]))
	}
}

func TestDeployments_NotFound(t *testing.T) {
	f := newAPI(t, 0)
	if rec := f.do(t, "GET", "/v1/deployments/0192b0a6-7c1e-7000-8000-000000000000", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/deployments/not-a-uuid", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestConversations_HandoffLifecycle(t *testing.T) {
	f := newAPI(t, 0)
	d := f.createEmailDeployment(t)
	f.do(t, "PATCH", "/v1/deployments/"+d.ID.String(), "", map[string]any{
		"handoff_enabled": true, "max_messages_before_handoff": 2, "handoff_message": "A human will follow up.",
	})

	turn := map[string]any{"channel": "email", "resource": map[string]string{"kind": "email_account", "id": "acct-1"}}
	f.do(t, "POST", "/v1/tenants/t1/conversations/conv-1/ai-turns", "", turn)
	rec := f.do(t, "POST", "/v1/tenants/t1/conversations/conv-1/ai-turns", "", turn)
	resp := decode[map[string]any](t, rec)
	if resp["handoff_message"] != "A human will follow up." {
		t.Errorf("handoff_message = %v", resp["handoff_message"])
	}

	st := decode[store.HandoffData](t, f.do(t, "GET", "/v1/tenants/t1/conversations/conv-1/handoff", "", nil))
	if st.State != store.StateHandedOff {
		t.Errorf("state = %s, want handed-off", st.State)
	}

	rec = f.do(t, "POST", "/v1/inbound", "", inboundBody("m9"))
	if got := decode[decisionResponse](t, rec).Decision.Destination; got != routing.DestinationNone {
		t.Errorf("after handoff destination = %s, want none", got)
	}

	st = decode[store.HandoffData](t, f.do(t, "POST", "/v1/tenants/t1/conversations/conv-1/reactivate", "", nil))
	if st.State != store.StateAIActive || st.AITurns != 0 {
		t.Errorf("after reactivate = %+v", st)
	}

	st = decode[store.HandoffData](t, f.do(t, "POST", "/v1/tenants/t1/conversations/conv-2/takeover", "", nil))
	if st.State != store.StateHandedOff {
		t.Errorf("takeover state = %s", st.State)
	}
}

func TestConversations_ScopedToTenantAndAdminOnly(t *testing.T) {
	f := newAPI(t, 0)
	if rec := f.do(t, "POST", "/v1/tenants/t1/conversations/conv-1/takeover", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("takeover status = %d: %s", rec.Code, rec.Body)
	}

	// The same conversation ID in another tenant is a different conversation.
	st := decode[store.HandoffData](t, f.do(t, "GET", "/v1/tenants/t2/conversations/conv-1/handoff", "", nil))
	if st.State != store.StateAIActive {
		t.Errorf("t2/conv-1 state = %s, want ai-active", st.State)
	}
	if rec := f.do(t, "POST", "/v1/tenants/t2/conversations/conv-1/reactivate", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("reactivate status = %d", rec.Code)
	}
	st = decode[store.HandoffData](t, f.do(t, "GET", "/v1/tenants/t1/conversations/conv-1/handoff", "", nil))
	if st.State != store.StateHandedOff {
		t.Errorf("t1/conv-1 state = %s after reactivating t2, want handed-off", st.State)
	}

	for _, path := range []string{
		"/v1/tenants/t1/conversations/conv-1/takeover",
		"/v1/tenants/t1/conversations/conv-1/reactivate",
	} {
		if rec := f.do(t, "POST", path, "agent-7", nil); rec.Code != http.StatusForbidden {
			t.Errorf("POST %s as delegated user: status = %d, want 403", path, rec.Code)
		}
	}
	if rec := f.do(t, "GET", "/v1/tenants/t1/conversations/conv-1/handoff", "agent-7", nil); rec.Code != http.StatusForbidden {
		t.Errorf("GET handoff as delegated user: status = %d, want 403", rec.Code)
	}
}

func TestOutbound(t *testing.T) {
	f := newAPI(t, 0)
	rec := f.do(t, "POST", "/v1/outbound", "", map[string]any{
		"tenant_id": "t1", "channel": "whatsapp", "recipient": "+15550100", "body": "Your order shipped",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]string](t, rec)
	if resp["stream"] != "outbound-whatsapp" || resp["message_id"] == "" {
		t.Errorf("response = %v", resp)
	}
	if rec := f.do(t, "POST", "/v1/outbound", "", map[string]any{"tenant_id": "t1", "channel": "whatsapp"}); rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete outbound status = %d, want 400", rec.Code)
	}
}

func TestDeadLetters_ListAndReplay(t *testing.T) {
	f := newAPI(t, 0)
	ctx := context.Background()
	if err := f.queue.DeadLetter(ctx, queue.StreamAI, queue.Entry{MessageID: "m1", Attempts: 6}, "max_attempts_exceeded"); err != nil {
		t.Fatal(err)
	}

	resp := decode[map[string][]queue.DeadLetter](t, f.do(t, "GET", "/v1/deadletters/ai-ingestion", "", nil))
	if len(resp["dead_letters"]) != 1 {
		t.Fatalf("dead letters = %v", resp)
	}
	id := resp["dead_letters"][0].ID

	if rec := f.do(t, "POST", "/v1/deadletters/ai-ingestion/"+id+"/replay", "", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d: %s", rec.Code, rec.Body)
	}
	if n, _ := f.queue.Len(ctx, queue.StreamAI); n != 1 {
		t.Errorf("stream length after replay = %d, want 1", n)
	}
	if rec := f.do(t, "POST", "/v1/deadletters/ai-ingestion/"+id+"/replay", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second replay status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/deadletters/bogus", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stream status = %d, want 404", rec.Code)
	}
}

func TestTenantRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewTenantRateLimiter(1)
	rl.now = func() time.Time { return now }

	if !rl.Allow("t1") || rl.Allow("t1") {
		t.Fatal("limit of 1 per minute not enforced")
	}
	if !rl.Allow("t2") {
		t.Error("tenants share a window")
	}
	now = now.Add(time.Minute)
	if !rl.Allow("t1") {
		t.Error("window did not reset after a minute")
	}
	if !NewTenantRateLimiter(0).Allow("t1") {
		t.Error("zero limit should disable limiting")
	}
}

func TestTenantRateLimiter_RefillsEvenly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewTenantRateLimiter(60)
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		if !rl.Allow("t1") {
			t.Fatalf("request %d of a 60 burst rejected", i+1)
		}
	}
	if rl.Allow("t1") {
		t.Fatal("61st request in the same instant allowed")
	}
	now = now.Add(time.Second)
	if !rl.Allow("t1") {
		t.Error("no token one second later at 60/min")
	}
	if rl.Allow("t1") {
		t.Error("more than one token refilled in one second")
	}
}

func TestTenantRateLimiter_BoundsTrackedTenants(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewTenantRateLimiter(1)
	rl.now = func() time.Time { return now }

	rl.Allow("busy")
	for i := 0; i < maxTrackedTenants+10; i++ {
		now = now.Add(time.Millisecond)
		rl.Allow(fmt.Sprintf("t%d", i))
	}
	if n := len(rl.tenants); n > maxTrackedTenants {
		t.Errorf("tracking %d tenants, cap is %d", n, maxTrackedTenants)
	}
	if _, ok := rl.tenants["busy"]; ok {
		t.Error("oldest tenant not evicted first")
	}
}
