package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewStore(db)
}

func TestStorePublishRecentPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	entries := []Entry{
		{ID: "old", Time: now.Add(-48 * time.Hour), FindingID: "f0", Outcome: OutcomeError, Message: "boom"},
		{ID: "mid", Time: now.Add(-time.Hour), FindingID: "f1", Outcome: OutcomeCreated, TicketID: "SEC-1", Severity: models.SeverityCritical},
		{ID: "new", Time: now, FindingID: "f1", Outcome: OutcomeSkippedDuplicate},
	}
	for _, e := range entries {
		require.NoError(t, s.Publish(ctx, e))
	}

	got, err := s.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "old", got[2].ID)
	assert.Equal(t, models.SeverityCritical, got[1].Severity)
	assert.WithinDuration(t, entries[1].Time, got[1].Time, time.Microsecond)

	created, err := s.Recent(ctx, 10, OutcomeCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "SEC-1", created[0].TicketID)

	require.NoError(t, s.Prune(ctx, now.Add(-24*time.Hour)))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreAsLogSink(t *testing.T) {
	s := openTestStore(t)
	l := New(5, s)
	l.Append(Entry{FindingID: "f1", Outcome: OutcomeCreated, TicketID: "SEC-9"})
	l.Close()

	got, err := s.Recent(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SEC-9", got[0].TicketID)
}

func TestNATSPublisher(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", nats.DefaultURL, err)
	}
	defer nc.Close()

	subject := "relay.activity.test." + time.Now().Format("150405.000000")
	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATSPublisherFromConn(nc, subject)
	assert.True(t, p.IsConnected())
	require.NoError(t, p.Publish(context.Background(), Entry{ID: "e1", FindingID: "f1", Outcome: OutcomeCreated}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"finding_id":"f1"`)
	assert.Equal(t, "nats", p.Name())
}
