package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes persisted activity older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) error
}

// Scheduler runs activity retention on a cron expression.
type Scheduler struct {
	cron      *cron.Cron
	pruner    Pruner
	expr      string
	retention time.Duration
	broadcast func(SSEEvent)
	now       func() time.Time
}

func newScheduler(pruner Pruner, expr string, retentionDays int, broadcast func(SSEEvent)) *Scheduler {
	if expr == "" {
		expr = "@daily"
	}
	return &Scheduler{
		cron:      cron.New(),
		pruner:    pruner,
		expr:      expr,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		broadcast: broadcast,
		now:       time.Now,
	}
}

// ValidateSchedule checks that expr is parseable by robfig/cron without
// adding it permanently to any runner.
func ValidateSchedule(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

// enabled reports whether there is anything to prune.
func (s *Scheduler) enabled() bool {
	return s.pruner != nil && s.retention > 0
}

// Start registers the retention job and starts the cron runner. It is a
// no-op when retention is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.enabled() {
		slog.Info("gateway scheduler: activity retention disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.expr, func() {
		if err := s.RunNow(ctx); err != nil {
			slog.Warn("scheduler: activity retention failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.expr, err)
	}
	s.cron.Start()
	slog.Info("gateway scheduler started", "retention_schedule", s.expr, "retention", s.retention)
	return nil
}

// Stop halts the cron runner gracefully.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// RunNow prunes immediately.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	cutoff := s.now().Add(-s.retention)
	if err := s.pruner.Prune(ctx, cutoff); err != nil {
		return err
	}
	slog.Info("scheduler: pruned activity", "cutoff", cutoff.UTC().Format(time.RFC3339))
	if s.broadcast != nil {
		s.broadcast(SSEEvent{Type: "activity.pruned", Payload: map[string]any{"cutoff": cutoff.UTC()}})
	}
	return nil
}
