package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
)

const recordTimeFormat = time.RFC3339Nano

type recordRow struct {
	FindingID  string `db:"finding_id"`
	TicketID   string `db:"ticket_id"`
	RecordedAt string `db:"recorded_at"`
}

// SQLMirror stores records in the dedup_records table.
type SQLMirror struct {
	db database.DB
}

// NewSQLMirror uses an already migrated database.
func NewSQLMirror(db database.DB) *SQLMirror {
	return &SQLMirror{db: db}
}

func (m *SQLMirror) Name() string { return "database" }

func (m *SQLMirror) Load(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	if err := m.db.Select(ctx, &rows, `SELECT finding_id, ticket_id, recorded_at FROM dedup_records ORDER BY recorded_at ASC`); err != nil {
		return nil, fmt.Errorf("loading dedup records: %w", err)
	}
	recs := make([]Record, 0, len(rows))
	for _, r := range rows {
		t, _ := time.Parse(recordTimeFormat, r.RecordedAt)
		recs = append(recs, Record{FindingID: r.FindingID, TicketID: r.TicketID, RecordedAt: t})
	}
	return recs, nil
}

// Append stores rec unless the finding is already recorded; the first ticket
// is kept.
func (m *SQLMirror) Append(ctx context.Context, rec Record) error {
	row := recordRow{
		FindingID:  rec.FindingID,
		TicketID:   rec.TicketID,
		RecordedAt: rec.RecordedAt.UTC().Format(recordTimeFormat),
	}
	return m.db.InsertIgnore(ctx, "dedup_records", row, []string{"finding_id"})
}

// Close is a no-op; the database is owned by the caller.
func (m *SQLMirror) Close() error { return nil }
