package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Queue with Redis Streams semantics.
// Entries do not survive a restart; it backs standalone mode and tests.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*memStream
	wake    chan struct{} // closed and replaced on every append
	closed  bool
	now     func() time.Time
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
	dead    []DeadLetter
}

type memEntry struct {
	seq   uint64
	entry Entry
}

type memGroup struct {
	lastSeq uint64
	pending map[string]*memPending
}

type memPending struct {
	seq         uint64
	consumer    string
	deliveredAt time.Time
	deliveries  int
	entry       Entry
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) nextID() (string, uint64) {
	m.seq++
	return strconv.FormatUint(m.seq, 10) + "-0", m.seq
}

func (m *Memory) Enqueue(_ context.Context, stream string, e Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("%w: closed", ErrQueueUnavailable)
	}
	id, seq := m.nextID()
	e.ID = id
	e.Attempts = 0
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = m.now().UTC()
	}
	s := m.stream(stream)
	s.entries = append(s.entries, memEntry{seq: seq, entry: e})

	close(m.wake)
	m.wake = make(chan struct{})
	return id, nil
}

func (m *Memory) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (m *Memory) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: closed", ErrQueueUnavailable)
		}
		s := m.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s/%s: %w", stream, group, ErrNoGroup)
		}
		out := m.deliverNew(s, g, consumer, count)
		wake := m.wake
		m.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (m *Memory) deliverNew(s *memStream, g *memGroup, consumer string, count int) []Entry {
	var out []Entry
	now := m.now()
	for _, me := range s.entries {
		if me.seq <= g.lastSeq {
			continue
		}
		e := me.entry
		e.Attempts = 1
		g.pending[e.ID] = &memPending{seq: me.seq, consumer: consumer, deliveredAt: now, deliveries: 1, entry: e}
		g.lastSeq = me.seq
		out = append(out, e)
		if len(out) == count {
			break
		}
	}
	return out
}

func (m *Memory) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.stream(stream).groups[group]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", stream, group, ErrNoGroup)
	}

	now := m.now()
	var stale []*memPending
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			stale = append(stale, p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })
	if count > 0 && len(stale) > count {
		stale = stale[:count]
	}

	out := make([]Entry, 0, len(stale))
	for _, p := range stale {
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		p.entry.Attempts = p.deliveries
		out = append(out, p.entry)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.stream(stream).groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Pending(_ context.Context, stream, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.stream(stream).groups[group]
	if !ok {
		return 0, fmt.Errorf("%s/%s: %w", stream, group, ErrNoGroup)
	}
	return int64(len(g.pending)), nil
}

func (m *Memory) DeadLetter(_ context.Context, stream string, e Entry, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := m.nextID()
	s := m.stream(stream)
	s.dead = append(s.dead, DeadLetter{
		ID:       id,
		Stream:   stream,
		Entry:    e,
		Reason:   reason,
		FailedAt: m.now().UTC(),
	})
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, stream string, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dead := m.stream(stream).dead
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return append([]DeadLetter(nil), dead...), nil
}

func (m *Memory) Requeue(ctx context.Context, stream, deadID string) (string, error) {
	m.mu.Lock()
	s := m.stream(stream)
	var found *DeadLetter
	for i := range s.dead {
		if s.dead[i].ID == deadID {
			dl := s.dead[i]
			found = &dl
			s.dead = append(s.dead[:i], s.dead[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return "", fmt.Errorf("dead letter %s on %s: %w", deadID, stream, ErrDeadLetterNotFound)
	}
	e := found.Entry
	e.ID = ""
	return m.Enqueue(ctx, stream, e)
}

// Trim drops entries beyond maxLen, but only those every group has
// received and acknowledged. A stream with no group keeps everything.
func (m *Memory) Trim(_ context.Context, stream string, maxLen int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	excess := int64(len(s.entries)) - maxLen
	if maxLen < 0 || excess <= 0 || len(s.groups) == 0 {
		return 0, nil
	}

	cutoff := s.safeSeq()
	var n int64
	for n < excess && n < int64(len(s.entries)) && s.entries[n].seq <= cutoff {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	s.entries = append([]memEntry(nil), s.entries[n:]...)
	return n, nil
}

// safeSeq is the highest seq that every group has delivered with nothing
// pending at or below it.
func (s *memStream) safeSeq() uint64 {
	cutoff := ^uint64(0)
	for _, g := range s.groups {
		safe := g.lastSeq
		for _, p := range g.pending {
			if p.seq <= safe {
				safe = p.seq - 1
			}
		}
		cutoff = min(cutoff, safe)
	}
	return cutoff
}

func (m *Memory) Len(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.wake)
	}
	return nil
}

// SetClock overrides the time source. Tests use it to age pending entries.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// MemoryLedger is an in-process Ledger with per-key expiry.
type MemoryLedger struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func ledgerKey(group, messageID string) string {
	return strings.Join([]string{group, messageID}, "\x00")
}

func (l *MemoryLedger) Seen(_ context.Context, group, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(group, messageID)
	exp, ok := l.seen[k]
	if !ok {
		return false, nil
	}
	if l.ttl > 0 && l.now().After(exp) {
		delete(l.seen, k)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Mark(_ context.Context, group, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[ledgerKey(group, messageID)] = l.now().Add(l.ttl)
	return nil
}
