// Package worker consumes a queue stream through a consumer group and hands
// each entry to a downstream dispatcher.
//
// Delivery is at-least-once. A processed-message ledger keyed by
// (group, message id) turns redeliveries into no-ops, and entries that keep
// failing are moved to the dead-letter stream once they exceed the attempt cap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaydesk/internal/metrics"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/tracing"
)

// ErrPermanent marks a dispatch failure that must not be retried.
// Wrap it (fmt.Errorf("...: %w", worker.ErrPermanent)) to dead-letter the entry immediately.
var ErrPermanent = errors.New("permanent processing error")

// Dead-letter reasons.
const (
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonPermanent   = "permanent_error"
)

// RetryHinter is implemented by dispatch errors that carry a downstream
// retry delay, such as an HTTP Retry-After header.
type RetryHinter interface {
	RetryDelay() time.Duration
}

// maxRetryPause caps how long one retry hint pauses a pool.
const maxRetryPause = time.Minute

// Dispatcher delivers one entry downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, e queue.Entry) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, e queue.Entry) error

func (f DispatchFunc) Dispatch(ctx context.Context, e queue.Entry) error { return f(ctx, e) }

// Options tunes a Pool. Zero fields take the defaults noted.
type Options struct {
	Concurrency     int           // worker loops (default 1)
	MaxAttempts     int           // deliveries before dead-lettering (default 5)
	ClaimIdle       time.Duration // pending age before reclaim (default 30s)
	ClaimInterval   time.Duration // reclaim sweep period (default 10s)
	ReadBlock       time.Duration // blocking read wait (default 2s)
	DispatchTimeout time.Duration // per-entry timeout (default 30s)
	ShutdownTimeout time.Duration // grace for in-flight dispatches on stop (default 15s)
	RatePerSecond   float64       // 0 = unlimited
	Burst           int
	Consumer        string // consumer name prefix (default "worker")
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 10 * time.Second
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = 2 * time.Second
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Consumer == "" {
		o.Consumer = "worker"
	}
}

// Pool runs the consumer loops of one group. The group name equals the stream name.
type Pool struct {
	stream     string
	queue      queue.Queue
	ledger     queue.Ledger
	dispatcher Dispatcher
	limiter    *rate.Limiter // nil = unlimited
	opts       Options

	// claimed entries are fed to the loops through this channel
	reclaimed chan queue.Entry
	// pausedUntil (unix nanos) holds dispatches back after a retry hint
	pausedUntil atomic.Int64
}

func NewPool(stream string, q queue.Queue, ledger queue.Ledger, d Dispatcher, opts Options) *Pool {
	opts.defaults()
	p := &Pool{
		stream:     stream,
		queue:      q,
		ledger:     ledger,
		dispatcher: d,
		opts:       opts,
		reclaimed:  make(chan queue.Entry),
	}
	if opts.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)
	}
	return p
}

// Stream returns the stream (and group) the pool consumes.
func (p *Pool) Stream() string { return p.stream }

// Run consumes until ctx is cancelled. In-flight entries finish under a
// detached context bounded by ShutdownTimeout; anything left unacked is
// reclaimed by the next process. Run returns nil on a clean stop.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx, p.stream, p.stream); err != nil {
		return fmt.Errorf("ensure group %s: %w", p.stream, err)
	}
	slog.Info("worker pool started", "group", p.stream, "concurrency", p.opts.Concurrency, "max_attempts", p.opts.MaxAttempts)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", p.opts.Consumer, i)
		g.Go(func() error { return p.loop(gctx, consumer) })
	}
	g.Go(func() error { return p.claimLoop(gctx, p.opts.Consumer+"-claim") })

	err := g.Wait()
	slog.Info("worker pool stopped", "group", p.stream)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, consumer string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.reclaimed:
			p.handleDetached(ctx, e)
			continue
		default:
		}

		entries, err := p.queue.Read(ctx, p.stream, p.stream, consumer, 1, p.opts.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrNoGroup) {
				// Group deleted behind our back (e.g. the stream was flushed).
				if err := p.queue.EnsureGroup(ctx, p.stream, p.stream); err != nil {
					slog.Error("worker recreate group failed", "group", p.stream, "error", err)
				}
			} else {
				slog.Error("worker read failed", "group", p.stream, "consumer", consumer, "error", err)
			}
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for _, e := range entries {
			p.handleDetached(ctx, e)
		}
	}
}

// claimLoop periodically reassigns entries whose consumer died or stalled.
func (p *Pool) claimLoop(ctx context.Context, consumer string) error {
	ticker := time.NewTicker(p.opts.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		entries, err := p.queue.Claim(ctx, p.stream, p.stream, consumer, p.opts.ClaimIdle, p.opts.Concurrency*4)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker claim failed", "group", p.stream, "error", err)
			continue
		}
		if len(entries) > 0 {
			slog.Info("worker reclaimed stale entries", "group", p.stream, "count", len(entries))
		}
		for _, e := range entries {
			select {
			case p.reclaimed <- e:
			case <-ctx.Done():
				return nil
			}
		}
		if n, err := p.queue.Pending(ctx, p.stream, p.stream); err == nil {
			metrics.QueuePending.WithLabelValues(p.stream, p.stream).Set(float64(n))
		}
	}
}

// handleDetached processes e so that cancelling ctx does not abort a
// dispatch already under way.
func (p *Pool) handleDetached(ctx context.Context, e queue.Entry) {
	hctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		sctx, cancel := context.WithTimeout(hctx, p.opts.ShutdownTimeout)
		defer cancel()
		p.handle(sctx, e, nil)
		return
	}
	p.handle(hctx, e, ctx.Done())
}

// Handle runs one delivered entry through the attempt cap, the ledger and
// the dispatcher, then acks it or leaves it pending. It returns the outcome
// label recorded in metrics.
func (p *Pool) Handle(ctx context.Context, e queue.Entry) string {
	return p.handle(ctx, e, nil)
}

// stopping, when closed, caps the remaining dispatch time at ShutdownTimeout.
func (p *Pool) handle(ctx context.Context, e queue.Entry, stopping <-chan struct{}) string {
	log := slog.With("group", p.stream, "entry_id", e.ID, "message_id", e.MessageID, "attempt", e.Attempts)

	if e.Attempts > p.opts.MaxAttempts {
		p.deadLetter(ctx, e, ReasonMaxAttempts, log)
		return metrics.OutcomeDeadLetter
	}

	if e.MessageID != "" && p.ledger != nil {
		seen, err := p.ledger.Seen(ctx, p.stream, e.MessageID)
		if err != nil {
			log.Warn("worker ledger lookup failed", "error", err)
		} else if seen {
			p.ack(ctx, e, log)
			metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeDuplicate).Inc()
			log.Debug("duplicate delivery skipped")
			return metrics.OutcomeDuplicate
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeRetry).Inc()
			return metrics.OutcomeRetry
		}
	}

	if !p.waitPause(ctx) {
		metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeRetry).Inc()
		return metrics.OutcomeRetry
	}

	err := p.dispatch(ctx, e, stopping)
	switch {
	case err == nil:
		if e.MessageID != "" && p.ledger != nil {
			if err := p.ledger.Mark(ctx, p.stream, e.MessageID); err != nil {
				log.Warn("worker ledger mark failed", "error", err)
			}
		}
		p.ack(ctx, e, log)
		metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeAcked).Inc()
		return metrics.OutcomeAcked
	case errors.Is(err, ErrPermanent):
		log.Error("worker dispatch failed permanently", "error", err)
		p.deadLetter(ctx, e, ReasonPermanent+": "+err.Error(), log)
		return metrics.OutcomeDeadLetter
	default:
		log.Error("worker dispatch failed; will retry", "error", err)
		var hint RetryHinter
		if errors.As(err, &hint) {
			if d := min(hint.RetryDelay(), maxRetryPause); d > 0 {
				p.pause(d)
				log.Warn("worker pausing dispatch", "retry_after", d)
			}
		}
		metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeRetry).Inc()
		return metrics.OutcomeRetry
	}
}

// pause holds every loop of the pool back for d. A later deadline wins.
func (p *Pool) pause(d time.Duration) {
	until := time.Now().Add(d).UnixNano()
	for {
		cur := p.pausedUntil.Load()
		if cur >= until || p.pausedUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

// waitPause blocks until any pause has passed. It returns false if ctx ends first.
func (p *Pool) waitPause(ctx context.Context) bool {
	until := p.pausedUntil.Load()
	if until == 0 {
		return true
	}
	d := time.Until(time.Unix(0, until))
	if d <= 0 {
		return true
	}
	return sleepCtx(ctx, d)
}

func (p *Pool) dispatch(ctx context.Context, e queue.Entry, stopping <-chan struct{}) error {
	ctx, span := tracing.Tracer("worker").Start(ctx, "worker.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("group", p.stream),
		attribute.String("message_id", e.MessageID),
		attribute.Int("attempt", e.Attempts),
	)

	dctx, cancel := context.WithTimeout(ctx, p.opts.DispatchTimeout)
	defer cancel()
	if stopping != nil {
		go func() {
			select {
			case <-stopping:
				// Shutdown: give the dispatch ShutdownTimeout at most.
				t := time.NewTimer(p.opts.ShutdownTimeout)
				defer t.Stop()
				select {
				case <-t.C:
					cancel()
				case <-dctx.Done():
				}
			case <-dctx.Done():
			}
		}()
	}

	start := time.Now()
	err := p.dispatcher.Dispatch(dctx, e)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.DispatchDuration.WithLabelValues(p.stream, status).Observe(time.Since(start).Seconds())
	return err
}

func (p *Pool) ack(ctx context.Context, e queue.Entry, log *slog.Logger) {
	if err := p.queue.Ack(ctx, p.stream, p.stream, e.ID); err != nil {
		log.Error("worker ack failed", "error", err)
	}
}

func (p *Pool) deadLetter(ctx context.Context, e queue.Entry, reason string, log *slog.Logger) {
	if err := p.queue.DeadLetter(ctx, p.stream, e, reason); err != nil {
		// Leave it pending; the next claim retries the move.
		log.Error("worker dead-letter failed", "error", err)
		return
	}
	p.ack(ctx, e, log)
	metrics.DeadLettersTotal.WithLabelValues(p.stream, deadReasonLabel(reason)).Inc()
	metrics.WorkerEntriesTotal.WithLabelValues(p.stream, metrics.OutcomeDeadLetter).Inc()
	log.Warn("entry dead-lettered", "reason", reason)
}

func deadReasonLabel(reason string) string {
	if reason == ReasonMaxAttempts {
		return ReasonMaxAttempts
	}
	return ReasonPermanent
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
