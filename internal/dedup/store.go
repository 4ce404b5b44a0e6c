// Package dedup remembers which findings already produced a ticket.
//
// Memory is authoritative for the process lifetime. A Mirror, when
// configured, receives every new record and seeds Memory on startup; mirror
// failures are logged and never surface to callers.
//
// HasTicket followed by Record is not atomic. Two concurrent deliveries of the
// same finding can both miss and both create a ticket; the first Record wins
// and the second is ignored.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record maps a finding to the ticket created for it.
type Record struct {
	FindingID  string    `json:"finding_id"`
	TicketID   string    `json:"ticket_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the duplicate-detection contract used by the webhook handler.
type Store interface {
	HasTicket(findingID string) bool
	Record(findingID, ticketID string)
	Get(findingID string) (Record, bool)
	Len() int
}

// Mirror is a durable copy of the store.
type Mirror interface {
	Name() string
	Load(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, rec Record) error
	Close() error
}

// DefaultMirrorTimeout bounds a single mirror append.
const DefaultMirrorTimeout = 2 * time.Second

// Memory is a map-backed Store with an optional Mirror.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record

	mirror  Mirror
	timeout time.Duration
	now     func() time.Time
}

// NewMemory returns an empty in-memory store with no mirror.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		timeout: DefaultMirrorTimeout,
		now:     time.Now,
	}
}

// Open returns a store seeded from mirror. A failed load is logged and the
// store starts empty; a nil mirror gives a memory-only store.
func Open(ctx context.Context, mirror Mirror, timeout time.Duration) *Memory {
	m := NewMemory()
	if timeout > 0 {
		m.timeout = timeout
	}
	if mirror == nil {
		return m
	}
	m.mirror = mirror

	recs, err := mirror.Load(ctx)
	if err != nil {
		slog.Warn("dedup: loading mirror failed, starting empty", "mirror", mirror.Name(), "error", err)
		return m
	}
	for _, r := range recs {
		if _, ok := m.records[r.FindingID]; !ok && r.FindingID != "" {
			m.records[r.FindingID] = r
		}
	}
	slog.Info("dedup: loaded records", "mirror", mirror.Name(), "count", len(m.records))
	return m
}

func (m *Memory) HasTicket(findingID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[findingID]
	return ok
}

func (m *Memory) Get(findingID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[findingID]
	return r, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Record stores findingID -> ticketID. Existing records are never replaced.
func (m *Memory) Record(findingID, ticketID string) {
	rec := Record{FindingID: findingID, TicketID: ticketID, RecordedAt: m.now().UTC()}

	m.mu.Lock()
	if _, ok := m.records[findingID]; ok {
		m.mu.Unlock()
		slog.Warn("dedup: finding already recorded, keeping first ticket", "finding_id", findingID, "ticket_id", ticketID)
		return
	}
	m.records[findingID] = rec
	m.mu.Unlock()

	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.mirror.Append(ctx, rec); err != nil {
		slog.Warn("dedup: mirror append failed", "mirror", m.mirror.Name(), "finding_id", findingID, "error", err)
	}
}

// Close releases the mirror.
func (m *Memory) Close() error {
	if m.mirror == nil {
		return nil
	}
	return m.mirror.Close()
}

// MirrorName reports the configured mirror, or "memory".
func (m *Memory) MirrorName() string {
	if m.mirror == nil {
		return "memory"
	}
	return m.mirror.Name()
}
