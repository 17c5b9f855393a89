// Package sessionlog archives closed twin sessions.
//
// Two [Store] implementations are provided: [Memory], a bounded in-process
// ring used when no database is configured, and [Postgres], backed by a
// pgx connection pool. Both implement [twin.Recorder] so a controller can
// write to them directly.
package sessionlog

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicetwin/pkg/twin"
)

// DefaultCapacity is the ring size used by [NewMemory] when capacity <= 0.
const DefaultCapacity = 100

// Store persists session records. All implementations must be safe for
// concurrent use.
type Store interface {
	twin.Recorder

	// List returns up to limit records, newest first. A limit <= 0 returns
	// every record the store is willing to serve.
	List(ctx context.Context, limit int) ([]twin.Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

// Memory keeps the most recent records in a fixed-size ring.
type Memory struct {
	mu   sync.Mutex
	buf  []twin.Record
	next int
	full bool
}

// NewMemory creates a ring holding at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{buf: make([]twin.Record, capacity)}
}

// Save implements [twin.Recorder]. The oldest record is overwritten when the
// ring is full.
func (m *Memory) Save(_ context.Context, r twin.Record) error {
	r.Fragments = slices.Clone(r.Fragments)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = r
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, limit int) ([]twin.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]twin.Record, 0, limit)
	for i := range limit {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		r := m.buf[idx]
		r.Fragments = slices.Clone(r.Fragments)
		out = append(out, r)
	}
	return out, nil
}

// Ping implements [Store]. The ring is always reachable.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *Memory) Close() error { return nil }
