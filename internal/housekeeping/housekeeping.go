// Package housekeeping runs periodic queue maintenance on a cron schedule:
// stream trimming and pending-set gauges.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/relaydesk/internal/metrics"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
)

// Janitor trims every stream toward MaxLen each time Cron fires. Entries
// a consumer group has not yet acknowledged are never trimmed.
type Janitor struct {
	queue   queue.Queue
	cron    string
	maxLen  int64
	streams []string
	now     func() time.Time
}

// New validates expr and returns a Janitor for the service's streams.
// maxLen <= 0 disables trimming; gauges are still refreshed.
func New(q queue.Queue, expr string, maxLen int64) (*Janitor, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid housekeeping cron %q", expr)
	}
	return &Janitor{
		queue:   q,
		cron:    expr,
		maxLen:  maxLen,
		streams: queue.Streams(),
		now:     time.Now,
	}, nil
}

// Run sweeps on every cron tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	slog.Info("housekeeping started", "cron", j.cron, "stream_max_len", j.maxLen)
	for {
		next, err := gronx.NextTickAfter(j.cron, j.now(), false)
		if err != nil {
			return fmt.Errorf("next housekeeping tick: %w", err)
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		j.Sweep(ctx)
	}
}

// Sweep runs one maintenance pass and returns the number of entries trimmed.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	var total int64
	for _, s := range j.streams {
		if j.maxLen > 0 {
			n, err := j.queue.Trim(ctx, s, j.maxLen)
			if err != nil {
				slog.Warn("housekeeping trim failed", "stream", s, "error", err)
			} else if n > 0 {
				metrics.QueueTrimmedTotal.WithLabelValues(s).Add(float64(n))
				total += n
			}
		}
		if n, err := j.queue.Pending(ctx, s, s); err == nil {
			metrics.QueuePending.WithLabelValues(s, s).Set(float64(n))
		}
	}
	if total > 0 {
		slog.Info("housekeeping trimmed streams", "entries", total)
	}
	return total
}
