package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/worker"
)

// Publisher is the subset of an AMQP channel the dispatcher needs.
type Publisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// WorkflowEvent is the message body published for a workflow trigger.
type WorkflowEvent struct {
	MessageID      string         `json:"message_id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Channel        string         `json:"channel"`
	TriggerData    map[string]any `json:"trigger_data"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// AMQPDispatcher publishes workflow trigger events to a topic exchange as
// persistent JSON with publisher confirms. MessageId carries the inbound
// message id so consumers can deduplicate; CorrelationId the queue entry id.
type AMQPDispatcher struct {
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   Publisher
	dial func() (*amqp.Connection, Publisher, error)
}

// NewAMQPDispatcher dials url and declares a durable topic exchange.
func NewAMQPDispatcher(url, exchange, routingKey string) (*AMQPDispatcher, error) {
	d := &AMQPDispatcher{exchange: exchange, routingKey: routingKey}
	d.dial = func() (*amqp.Connection, Publisher, error) { return dialExchange(url, exchange) }
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func dialExchange(url, exchange string) (*amqp.Connection, Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return conn, ch, nil
}

func (d *AMQPDispatcher) connect() error {
	if d.conn != nil && !d.conn.IsClosed() {
		_ = d.conn.Close()
	}
	conn, ch, err := d.dial()
	if err != nil {
		return err
	}
	d.conn, d.ch = conn, ch
	return nil
}

func (d *AMQPDispatcher) channel() (Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil && (d.conn == nil || !d.conn.IsClosed()) {
		return d.ch, nil
	}
	slog.Warn("amqp connection lost; reconnecting", "exchange", d.exchange)
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d.ch, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, e queue.Entry) error {
	body, err := json.Marshal(WorkflowEvent{
		MessageID:      e.MessageID,
		TenantID:       e.TenantID,
		ConversationID: e.ConversationID,
		Channel:        string(e.Channel),
		TriggerData:    e.TriggerData,
		EnqueuedAt:     e.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal workflow event: %w (%w)", err, worker.ErrPermanent)
	}

	ch, err := d.channel()
	if err != nil {
		return err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, d.exchange, d.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.MessageID,
		CorrelationId: e.ID,
		Timestamp:     time.Now(),
		Headers:       amqp.Table{"tenant_id": e.TenantID, "attempt": int32(e.Attempts)},
		Body:          body,
	})
	if err != nil {
		d.reset()
		return fmt.Errorf("publish to %s: %w", d.exchange, err)
	}
	if conf == nil {
		return nil
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publisher confirm: %w", err)
	}
	if !ok {
		return errors.New("broker nacked workflow event")
	}
	slog.Debug("workflow event published", "exchange", d.exchange, "key", d.routingKey, "message_id", e.MessageID)
	return nil
}

// reset drops the channel so the next dispatch reconnects.
func (d *AMQPDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		_ = d.ch.Close()
		d.ch = nil
	}
}

func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		_ = d.ch.Close()
		d.ch = nil
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
