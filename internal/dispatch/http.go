// Package dispatch delivers queue entries to the downstream collaborators:
// the AI engine, the workflow engine and the per-channel delivery adapters.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/worker"
)

// HTTPError is a non-2xx response from a downstream endpoint.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying cannot succeed: any 4xx except
// 408 Request Timeout and 429 Too Many Requests.
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// RetryDelay returns the Retry-After delay so the worker pool backs off.
func (e *HTTPError) RetryDelay() time.Duration { return e.RetryAfter }

// Unwrap exposes worker.ErrPermanent for permanent failures so the pool
// dead-letters them without retrying.
func (e *HTTPError) Unwrap() error {
	if e.Permanent() {
		return worker.ErrPermanent
	}
	return nil
}

// HTTPDispatcher POSTs each entry as JSON. The message id is sent as the
// Idempotency-Key so the receiver can drop redeliveries as well.
type HTTPDispatcher struct {
	name   string
	url    string
	token  string
	client *http.Client
}

func NewHTTPDispatcher(name, url, token string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPDispatcher{
		name:   name,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, e queue.Entry) error {
	data, err := json.Marshal(payloadFor(e))
	if err != nil {
		return fmt.Errorf("%s: marshal entry: %w (%w)", d.name, err, worker.ErrPermanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: create request: %w (%w)", d.name, err, worker.ErrPermanent)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.MessageID != "" {
		req.Header.Set("Idempotency-Key", e.MessageID)
	}
	req.Header.Set("X-Relaydesk-Attempt", strconv.Itoa(e.Attempts))
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %w", d.name, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Payload is the JSON body sent downstream.
type Payload struct {
	EntryID        string         `json:"entry_id"`
	MessageID      string         `json:"message_id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Channel        string         `json:"channel"`
	Destination    string         `json:"destination"`
	AgentType      string         `json:"agent_type,omitempty"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	Body           string         `json:"body,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	Attempt        int            `json:"attempt"`
}

func payloadFor(e queue.Entry) Payload {
	return Payload{
		EntryID:        e.ID,
		MessageID:      e.MessageID,
		TenantID:       e.TenantID,
		ConversationID: e.ConversationID,
		Channel:        string(e.Channel),
		Destination:    string(e.Destination),
		AgentType:      string(e.AgentType),
		CampaignID:     e.CampaignID,
		TriggerData:    e.TriggerData,
		Recipient:      e.Recipient,
		Body:           e.Body,
		Subject:        e.Subject,
		EnqueuedAt:     e.EnqueuedAt,
		Attempt:        e.Attempts,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
