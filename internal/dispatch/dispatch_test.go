package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/worker"
)

func sampleEntry() queue.Entry {
	return queue.Entry{
		ID:             "1-0",
		MessageID:      "m1",
		TenantID:       "t1",
		ConversationID: "c1",
		Channel:        store.ChannelEmail,
		Destination:    queue.DestAI,
		AgentType:      queue.AgentDefault,
		Attempts:       2,
	}
}

func TestHTTPDispatcher_PostsEntry(t *testing.T) {
	var got Payload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher("ai", srv.URL, "secret", time.Second)
	if err := d.Dispatch(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.MessageID != "m1" || got.AgentType != "default" || got.Attempt != 2 {
		t.Errorf("payload = %+v", got)
	}
	if headers.Get("Idempotency-Key") != "m1" {
		t.Errorf("Idempotency-Key = %q, want m1", headers.Get("Idempotency-Key"))
	}
	if headers.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q", headers.Get("Authorization"))
	}
}

func TestHTTPDispatcher_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := NewHTTPDispatcher("ai", srv.URL, "", time.Second).Dispatch(context.Background(), sampleEntry())
			if err == nil {
				t.Fatal("Dispatch = nil, want error")
			}
			if got := errors.Is(err, worker.ErrPermanent); got != tt.permanent {
				t.Errorf("errors.Is(ErrPermanent) = %v, want %v (%v)", got, tt.permanent, err)
			}
			var he *HTTPError
			if !errors.As(err, &he) || he.Status != tt.status {
				t.Fatalf("err = %v, want HTTPError %d", err, tt.status)
			}
			var hint worker.RetryHinter
			if !errors.As(err, &hint) || hint.RetryDelay() != 7*time.Second {
				t.Errorf("retry hint = %v, want 7s", he.RetryAfter)
			}
		})
	}
}

func TestHTTPDispatcher_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPDispatcher("ai", url, "", time.Second).Dispatch(context.Background(), sampleEntry())
	if err == nil || errors.Is(err, worker.ErrPermanent) {
		t.Errorf("err = %v, want transient error", err)
	}
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
	closed        bool
}

func (f *fakePublisher) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil, f.err
}

func (f *fakePublisher) Close() error { f.closed = true; return nil }

func TestAMQPDispatcher_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	d := &AMQPDispatcher{exchange: "relaydesk.workflow", routingKey: "trigger.message", ch: pub}

	e := sampleEntry()
	e.Destination = queue.DestWorkflow
	e.TriggerData = map[string]any{"sender": map[string]any{"email": "a@example.com"}}
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if pub.exchange != "relaydesk.workflow" || pub.key != "trigger.message" {
		t.Errorf("published to %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.MessageId != "m1" || pub.msg.CorrelationId != "1-0" {
		t.Errorf("MessageId=%q CorrelationId=%q", pub.msg.MessageId, pub.msg.CorrelationId)
	}
	if pub.msg.DeliveryMode != amqp.Persistent {
		t.Error("message not persistent")
	}
	var ev WorkflowEvent
	if err := json.Unmarshal(pub.msg.Body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TenantID != "t1" || ev.TriggerData["sender"] == nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestAMQPDispatcher_PublishErrorResetsChannel(t *testing.T) {
	pub := &fakePublisher{err: amqp.ErrClosed}
	d := &AMQPDispatcher{exchange: "x", routingKey: "k", ch: pub}
	d.dial = func() (*amqp.Connection, Publisher, error) { return nil, nil, errors.New("broker down") }

	if err := d.Dispatch(context.Background(), sampleEntry()); err == nil {
		t.Fatal("Dispatch = nil, want error")
	}
	if !pub.closed {
		t.Error("failed channel not closed")
	}
	// Next dispatch tries to reconnect and surfaces the dial error as transient.
	err := d.Dispatch(context.Background(), sampleEntry())
	if err == nil || errors.Is(err, worker.ErrPermanent) {
		t.Errorf("err = %v, want transient dial error", err)
	}
}

func TestBuild(t *testing.T) {
	cfg := config.DispatchConfig{
		AIURL:        "http://ai.local/ingest",
		OutboundURLs: map[string]string{"email": "http://mail.local/send"},
		Workflow:     config.WorkflowDispatch{Transport: "http", URL: "http://wf.local/trigger"},
	}
	set, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	for _, s := range []string{queue.StreamAI, queue.StreamWorkflow, queue.OutboundStream(store.ChannelEmail)} {
		if set.Dispatchers[s] == nil {
			t.Errorf("no dispatcher for %s", s)
		}
	}
	if set.Dispatchers[queue.OutboundStream(store.ChannelPhone)] != nil {
		t.Error("dispatcher built for unconfigured phone stream")
	}

	only, err := Build(cfg, queue.StreamAI)
	if err != nil {
		t.Fatal(err)
	}
	if len(only.Dispatchers) != 1 {
		t.Errorf("limited build has %d dispatchers, want 1", len(only.Dispatchers))
	}

	if _, err := Build(config.DispatchConfig{Workflow: config.WorkflowDispatch{Transport: "smtp"}}); err == nil {
		t.Error("unknown transport accepted")
	}
}
