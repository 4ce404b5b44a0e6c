package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (p *recordingPruner) Prune(_ context.Context, cutoff time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.err
}

func TestSchedulerRunNow(t *testing.T) {
	pruner := &recordingPruner{}
	var events []SSEEvent
	s := newScheduler(pruner, "@daily", 30, func(e SSEEvent) { events = append(events, e) })
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunNow(context.Background()))
	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -30), pruner.cutoffs[0])
	require.Len(t, events, 1)
	assert.Equal(t, "activity.pruned", events[0].Type)
}

func TestSchedulerRunNowError(t *testing.T) {
	pruner := &recordingPruner{err: errors.New("database is locked")}
	s := newScheduler(pruner, "", 7, nil)
	assert.Error(t, s.RunNow(context.Background()))
}

func TestSchedulerDisabled(t *testing.T) {
	s := newScheduler(nil, "@daily", 30, nil)
	assert.False(t, s.enabled())
	assert.NoError(t, s.RunNow(context.Background()))
	assert.NoError(t, s.Start(context.Background()))

	s = newScheduler(&recordingPruner{}, "@daily", 0, nil)
	assert.False(t, s.enabled())
}

func TestSchedulerStartRejectsBadExpression(t *testing.T) {
	s := newScheduler(&recordingPruner{}, "every tuesday", 30, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.NoError(t, ValidateSchedule("0 3 * * *"))
	assert.Error(t, ValidateSchedule("not a schedule"))
}
