// Package activity records webhook outcomes in a bounded in-memory log and
// fans each entry out to asynchronous sinks.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// Outcome is the terminal state of one finding or request.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeError            Outcome = "error"
	// OutcomeRejected is a request whose signature did not verify.
	OutcomeRejected Outcome = "rejected"
	// OutcomeInvalid is a request whose payload could not be normalised.
	// It is counted but never stored as an entry.
	OutcomeInvalid Outcome = "invalid"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{OutcomeCreated, OutcomeSkippedDuplicate, OutcomeError, OutcomeRejected, OutcomeInvalid}

// Entry is one append-only activity record.
type Entry struct {
	ID         string               `json:"id"`
	Time       time.Time            `json:"time"`
	FindingID  string               `json:"finding_id,omitempty"`
	Outcome    Outcome              `json:"outcome"`
	TicketID   string               `json:"ticket_id,omitempty"`
	TicketURL  string               `json:"ticket_url,omitempty"`
	Severity   models.SeverityLevel `json:"severity,omitempty"`
	RuleID     string               `json:"rule_id,omitempty"`
	Repository string               `json:"repository,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// Sink receives a copy of every appended entry.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Entry) error
}

// Stats summarises the log.
type Stats struct {
	// Total counts every entry appended since start, including evicted ones.
	Total     int64             `json:"total"`
	ByOutcome map[Outcome]int64 `json:"by_outcome"`
	Retained  int               `json:"retained"`
	Capacity  int               `json:"capacity"`
	StartedAt time.Time         `json:"started_at"`
}

const (
	DefaultCapacity    = 500
	DefaultSinkTimeout = 5 * time.Second
	sinkQueueSize      = 256
)

// Log is a fixed-size ring of the most recent entries plus monotonically
// increasing per-outcome counters. It is safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	ring     []Entry
	next     int
	size     int
	total    int64
	counters map[Outcome]int64
	started  time.Time

	sinks       []Sink
	sinkTimeout time.Duration
	queue       chan Entry
	closed      bool
	done        chan struct{}
	closeOnce   sync.Once

	now   func() time.Time
	newID func() string
}

// New returns a Log keeping capacity entries (DefaultCapacity when <= 0).
// Sinks are called in order from a single background goroutine.
func New(capacity int, sinks ...Sink) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		ring:        make([]Entry, capacity),
		counters:    make(map[Outcome]int64, len(Outcomes)),
		sinks:       sinks,
		sinkTimeout: DefaultSinkTimeout,
		queue:       make(chan Entry, sinkQueueSize),
		done:        make(chan struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	l.started = l.now().UTC()
	go l.deliver()
	return l
}

// Append stores e, stamping ID and Time when unset, and queues it for the
// sinks. A full sink queue drops the entry for sinks only.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}

	l.mu.Lock()
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	l.total++
	l.counters[e.Outcome]++
	closed := l.closed
	if !closed && len(l.sinks) > 0 {
		select {
		case l.queue <- e:
		default:
			slog.Warn("activity: sink queue full, dropping entry", "id", e.ID, "outcome", e.Outcome)
		}
	}
	l.mu.Unlock()

	slog.Debug("activity: recorded", "outcome", e.Outcome, "finding_id", e.FindingID, "ticket_id", e.TicketID)
	return e
}

// AddSink registers s for entries appended from now on.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Count increments the counter for o without storing an entry.
func (l *Log) Count(o Outcome) {
	l.mu.Lock()
	l.counters[o]++
	l.mu.Unlock()
}

// Counter returns the counter for o.
func (l *Log) Counter(o Outcome) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[o]
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all
// retained entries.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Stats returns a snapshot of the counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	by := make(map[Outcome]int64, len(Outcomes))
	for _, o := range Outcomes {
		by[o] = l.counters[o]
	}
	return Stats{
		Total:     l.total,
		ByOutcome: by,
		Retained:  l.size,
		Capacity:  len(l.ring),
		StartedAt: l.started,
	}
}

// Restore loads previously persisted entries (newest first) into the ring
// without touching counters or sinks.
func (l *Log) Restore(entries []Entry) {
	if len(entries) > len(l.ring) {
		entries = entries[:len(l.ring)]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		l.ring[l.next] = entries[i]
		l.next = (l.next + 1) % len(l.ring)
		if l.size < len(l.ring) {
			l.size++
		}
	}
}

// Close stops accepting sink deliveries and waits for queued ones.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
}

func (l *Log) deliver() {
	defer close(l.done)
	for e := range l.queue {
		l.mu.Lock()
		sinks := append([]Sink(nil), l.sinks...)
		l.mu.Unlock()
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
			if err := s.Publish(ctx, e); err != nil {
				slog.Warn("activity: sink publish failed", "sink", s.Name(), "id", e.ID, "error", err)
			}
			cancel()
		}
	}
}
