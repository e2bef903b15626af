package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/worker"
)

// Set maps stream names to their dispatcher. Streams with no configured
// downstream are absent, and their pools are not started.
type Set struct {
	Dispatchers map[string]worker.Dispatcher
	closers     []io.Closer
}

// Close releases broker connections.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates a dispatcher for every stream whose downstream is configured.
// A non-empty limitTo restricts the build to those streams.
func Build(cfg config.DispatchConfig, limitTo ...string) (*Set, error) {
	want := func(stream string) bool {
		if len(limitTo) == 0 {
			return true
		}
		for _, s := range limitTo {
			if s == stream {
				return true
			}
		}
		return false
	}

	set := &Set{Dispatchers: make(map[string]worker.Dispatcher)}
	timeout := cfg.Timeout.Std()

	if want(queue.StreamAI) && cfg.AIURL != "" {
		set.Dispatchers[queue.StreamAI] = NewHTTPDispatcher("ai", cfg.AIURL, cfg.Token, timeout)
	}

	if want(queue.StreamWorkflow) {
		wf := cfg.Workflow
		switch strings.ToLower(wf.Transport) {
		case "http":
			if wf.URL != "" {
				set.Dispatchers[queue.StreamWorkflow] = NewHTTPDispatcher("workflow", wf.URL, cfg.Token, timeout)
			}
		case "", "amqp":
			if wf.AMQPURL != "" {
				d, err := NewAMQPDispatcher(wf.AMQPURL, wf.Exchange, wf.RoutingKey)
				if err != nil {
					set.Close()
					return nil, fmt.Errorf("workflow dispatcher: %w", err)
				}
				set.Dispatchers[queue.StreamWorkflow] = d
				set.closers = append(set.closers, d)
			}
		default:
			return nil, fmt.Errorf("unknown workflow transport %q", wf.Transport)
		}
	}

	for _, ch := range store.Channels {
		stream := queue.OutboundStream(ch)
		if !want(stream) {
			continue
		}
		if url := cfg.OutboundURLs[string(ch)]; url != "" {
			set.Dispatchers[stream] = NewHTTPDispatcher("outbound-"+string(ch), url, cfg.Token, timeout)
		}
	}

	for _, s := range queue.Streams() {
		if _, ok := set.Dispatchers[s]; !ok && want(s) {
			slog.Warn("no downstream configured; stream will not be consumed", "stream", s)
		}
	}
	return set, nil
}
