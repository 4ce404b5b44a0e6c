package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// entryTimeFormat is fixed width so created_at sorts lexically.
const entryTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type entryRow struct {
	ID        string `db:"id"`
	CreatedAt string `db:"created_at"`
	FindingID string `db:"finding_id"`
	Outcome   string `db:"outcome"`
	TicketID  string `db:"ticket_id"`
	Severity  string `db:"severity"`
	Message   string `db:"message"`
}

// Store persists entries in the activity_entries table. It is a Sink.
type Store struct {
	db database.DB
}

// NewStore uses an already migrated database.
func NewStore(db database.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Name() string { return "database" }

func (s *Store) Publish(ctx context.Context, e Entry) error {
	row := entryRow{
		ID:        e.ID,
		CreatedAt: e.Time.UTC().Format(entryTimeFormat),
		FindingID: e.FindingID,
		Outcome:   string(e.Outcome),
		TicketID:  e.TicketID,
		Severity:  string(e.Severity),
		Message:   e.Message,
	}
	if err := s.db.Insert(ctx, "activity_entries", row); err != nil {
		return fmt.Errorf("inserting activity entry %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit persisted entries, newest first. An empty
// outcome matches all.
func (s *Store) Recent(ctx context.Context, limit int, outcome Outcome) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	query := `SELECT id, created_at, finding_id, outcome, ticket_id, severity, message FROM activity_entries`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, string(outcome))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var rows []entryRow
	if err := s.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("loading activity entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		t, _ := time.Parse(entryTimeFormat, r.CreatedAt)
		out = append(out, Entry{
			ID:        r.ID,
			Time:      t,
			FindingID: r.FindingID,
			Outcome:   Outcome(r.Outcome),
			TicketID:  r.TicketID,
			Severity:  models.SeverityLevel(r.Severity),
			Message:   r.Message,
		})
	}
	return out, nil
}

// Prune deletes entries recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) error {
	if err := s.db.Exec(ctx, `DELETE FROM activity_entries WHERE created_at < ?`, cutoff.UTC().Format(entryTimeFormat)); err != nil {
		return fmt.Errorf("pruning activity entries: %w", err)
	}
	return nil
}

// Count returns the number of persisted entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Get(ctx, &n, `SELECT COUNT(*) FROM activity_entries`); err != nil {
		return 0, fmt.Errorf("counting activity entries: %w", err)
	}
	return n, nil
}
