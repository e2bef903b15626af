package housekeeping

import (
	"context"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/relaydesk/internal/queue"
)

func TestNew_RejectsInvalidCron(t *testing.T) {
	if _, err := New(queue.NewMemory(), "every tuesday", 10); err == nil {
		t.Error("New accepted an invalid cron expression")
	}
}

// consumeAll reads and acknowledges every entry on stream, as a pool would.
func consumeAll(t *testing.T, q queue.Queue, stream string) {
	t.Helper()
	ctx := context.Background()
	got, err := q.Read(ctx, stream, stream, "c", 100, 0)
	if err != nil {
		t.Fatalf("Read %s: %v", stream, err)
	}
	for _, e := range got {
		if err := q.Ack(ctx, stream, stream, e.ID); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestSweep_TrimsEveryStream(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	for _, s := range []string{queue.StreamAI, queue.StreamWorkflow} {
		q.EnsureGroup(ctx, s, s)
	}
	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, queue.StreamAI, queue.Entry{MessageID: "a"})
		q.Enqueue(ctx, queue.StreamWorkflow, queue.Entry{MessageID: "w"})
	}
	consumeAll(t, q, queue.StreamAI)
	consumeAll(t, q, queue.StreamWorkflow)

	j, err := New(q, "*/10 * * * *", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := j.Sweep(ctx); got != 6 {
		t.Errorf("Sweep trimmed %d, want 6", got)
	}
	for _, s := range []string{queue.StreamAI, queue.StreamWorkflow} {
		if n, _ := q.Len(ctx, s); n != 2 {
			t.Errorf("%s length = %d, want 2", s, n)
		}
	}
}

func TestSweep_KeepsEntriesNotYetConsumed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	q.EnsureGroup(ctx, queue.StreamAI, queue.StreamAI)
	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, queue.StreamAI, queue.Entry{MessageID: fmt.Sprintf("m%d", i)})
	}

	j, err := New(q, "*/10 * * * *", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := j.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep trimmed %d unread entries", got)
	}
	got, err := q.Read(ctx, queue.StreamAI, queue.StreamAI, "c", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 || got[0].MessageID != "m0" || got[4].MessageID != "m4" {
		t.Errorf("read %d entries after sweep, want m0..m4", len(got))
	}

	// Once read but still in flight they survive another sweep.
	if got := j.Sweep(ctx); got != 0 {
		t.Errorf("Sweep trimmed %d pending entries", got)
	}
}

func TestSweep_ZeroMaxLenDisablesTrim(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, queue.StreamAI, queue.Entry{MessageID: "a"})
	}
	j, err := New(q, "@hourly", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := j.Sweep(ctx); got != 0 {
		t.Errorf("Sweep trimmed %d, want 0", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	j, err := New(queue.NewMemory(), "* * * * *", 10)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}
