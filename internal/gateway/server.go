package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/relay"
)

// Pinger checks that the ticket tracker is reachable with the configured
// credentials. *tracker.Client satisfies it.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Deps are the runtime components the gateway serves. Relay and Tracker are
// nil when the relay is not configured; the webhook then answers 503.
type Deps struct {
	Relay    *relay.Handler
	Tracker  Pinger
	Activity *activity.Log
	// History is the persisted activity table, nil when persistence is off.
	History *activity.Store
}

// Gateway is the long-running HTTP daemon that combines:
//   - the webhook endpoint feeding the relay handler
//   - health, readiness and metrics endpoints
//   - a REST + SSE API over the activity log
//   - a cron Scheduler pruning persisted activity
type Gateway struct {
	cfg         *config.Config
	relay       *relay.Handler
	tracker     Pinger
	activity    *activity.Log
	history     *activity.Store
	broadcaster *Broadcaster
	scheduler   *Scheduler
	limiter     *ipLimiter
	metrics     *requestMetrics
	startedAt   time.Time
}

// New creates a Gateway. Call Start() to begin serving.
func New(cfg *config.Config, deps Deps) *Gateway {
	b := newBroadcaster()

	log := deps.Activity
	if log == nil && deps.Relay != nil {
		log = deps.Relay.Activity()
	}
	if log == nil {
		log = activity.New(cfg.Activity.Capacity)
	}
	log.AddSink(b)

	gw := &Gateway{
		cfg:         cfg,
		relay:       deps.Relay,
		tracker:     deps.Tracker,
		activity:    log,
		history:     deps.History,
		broadcaster: b,
		limiter:     newIPLimiter(cfg.Gateway.RateLimitPerMinute, cfg.Gateway.RateLimitBurst),
		startedAt:   time.Now(),
	}
	gw.metrics = newRequestMetrics(gw)

	var pruner Pruner
	if deps.History != nil {
		pruner = deps.History
	}
	gw.scheduler = newScheduler(pruner, cfg.Activity.RetentionSchedule, cfg.Activity.RetentionDays, b.send)
	return gw
}

// Handler returns the fully wired HTTP handler.
func (gw *Gateway) Handler() http.Handler {
	return buildHandler(gw)
}

// Addr is the listen address derived from gateway.host and gateway.port.
func (gw *Gateway) Addr() string {
	port := gw.cfg.Gateway.Port
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(gw.cfg.Gateway.Host, strconv.Itoa(port))
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Starts the retention scheduler
//  2. Starts a stats ticker that broadcasts Status every 5s via SSE
//  3. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	addr := gw.Addr()

	// 1. Start scheduler.
	if err := gw.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// 2. Stats ticker.
	go gw.runStatsTicker(ctx)

	// 3. HTTP server.
	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shut down HTTP server when ctx is cancelled.
	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", "http://"+addr, "configured", gw.relay != nil)
	gw.broadcaster.send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": "http://" + addr},
	})

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// runStatsTicker broadcasts a "stats.update" SSE event every 5 seconds while
// anyone is subscribed.
func (gw *Gateway) runStatsTicker(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if gw.broadcaster.subscribers() == 0 {
				continue
			}
			gw.broadcaster.send(SSEEvent{Type: "stats.update", Payload: gw.currentStatus()})
		}
	}
}

func (gw *Gateway) currentStatus() Status {
	started := gw.startedAt
	missing := gw.cfg.Validate()
	s := Status{
		Configured:    len(missing) == 0 && gw.relay != nil,
		Missing:       missing,
		Tracker:       gw.cfg.Tracker.Provider,
		Activity:      activityStatus(gw.activity.Stats()),
		UptimeSeconds: int64(time.Since(started).Seconds()),
		StartedAt:     started.UTC(),
	}
	if gw.tracker != nil {
		s.Tracker = gw.tracker.Name()
	}
	if gw.relay != nil {
		store := gw.relay.Store()
		s.DedupRecords = store.Len()
		if named, ok := store.(interface{ MirrorName() string }); ok {
			s.DedupMirror = named.MirrorName()
		}
	}
	return s
}

func activityStatus(st activity.Stats) ActivityStatus {
	by := make(map[string]int64, len(st.ByOutcome))
	for o, n := range st.ByOutcome {
		by[string(o)] = n
	}
	return ActivityStatus{
		Total:     st.Total,
		ByOutcome: by,
		Retained:  st.Retained,
		Capacity:  st.Capacity,
	}
}
