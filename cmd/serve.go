package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/dedup"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/gateway"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/notify"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/priority"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/relay"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/signature"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/templates"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/tracker"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the webhook receiver",
	Long: `Starts the relay: a long-running HTTP daemon that accepts Semgrep
webhook deliveries and opens one ticket per new finding.

If the tracker is not configured the server still starts; /webhook answers
503 and /ready reports what is missing.

Quick API reference:
  POST /webhook                 Semgrep webhook (signed with X-Semgrep-Signature-256)
  GET  /health                  liveness check
  GET  /ready                   readiness (?check=tracker also pings the tracker)
  GET  /metrics                 Prometheus metrics
  GET  /api/activity            recent activity (?limit=, ?outcome=, ?source=history)
  GET  /api/stats               relay status snapshot
  GET  /events                  SSE stream of live events`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (overrides config and PORT)")
	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"interface to bind (default all interfaces)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down relay gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}

	closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer closeLog()

	if err := gateway.ValidateSchedule(cfg.Activity.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid activity.retention_schedule %q: %w", cfg.Activity.RetentionSchedule, err)
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	deps := gateway.Deps{
		Relay:    rt.relay,
		Activity: rt.activity,
		History:  rt.history,
	}
	if rt.tracker != nil {
		deps.Tracker = rt.tracker
	}
	gw := gateway.New(cfg, deps)

	fmt.Println(headerStyle.Render("ctrlscan-relay starting"))
	fmt.Printf("  Tracker   : %s\n", cfg.Tracker.Provider)
	fmt.Printf("  Webhook   : http://%s/webhook\n", gw.Addr())
	fmt.Printf("  Events    : http://%s/events\n", gw.Addr())
	fmt.Printf("  Dedup     : %s\n", rt.dedup.MirrorName())
	if cfg.Log.File != "" {
		fmt.Printf("  Logs      : %s\n", cfg.Log.File)
	}
	if missing := cfg.Validate(); len(missing) > 0 {
		fmt.Println(warnStyle.Render("  Not configured, webhooks will be refused until these are set:"))
		for _, m := range missing {
			fmt.Println(warnStyle.Render("    - " + m))
		}
	}
	if cfg.Webhook.Secret == "" {
		fmt.Println(warnStyle.Render("  Webhook secret not set, signatures will not be verified."))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	return gw.Start(ctx)
}

// relayRuntime holds everything serve builds from config, in teardown order.
type relayRuntime struct {
	db       database.DB
	dedup    *dedup.Memory
	activity *activity.Log
	history  *activity.Store
	nats     *activity.NATSPublisher
	tracker  *tracker.Client
	relay    *relay.Handler
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*relayRuntime, error) {
	rt := &relayRuntime{}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	rt.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	mirror, err := dedup.NewMirror(ctx, cfg, db)
	if err != nil {
		return nil, fmt.Errorf("opening dedup mirror: %w", err)
	}
	rt.dedup = dedup.Open(ctx, mirror, cfg.Dedup.MirrorTimeout())

	rt.activity = activity.New(cfg.Activity.Capacity)
	if cfg.Activity.Persist {
		rt.history = activity.NewStore(db)
		if recent, err := rt.history.Recent(ctx, cfg.Activity.Capacity, ""); err != nil {
			slog.Warn("serve: restoring activity failed", "error", err)
		} else {
			rt.activity.Restore(recent)
		}
		rt.activity.AddSink(rt.history)
	}
	if cfg.NATS.URL != "" {
		pub, err := activity.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Warn("serve: NATS publisher disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			rt.nats = pub
			rt.activity.AddSink(pub)
		}
	}
	if d := notify.NewDispatcher(cfg.Notify); d.IsAnyConfigured() {
		rt.activity.AddSink(d)
		slog.Info("serve: notifications enabled", "channels", d.Channels())
	}

	if missing := cfg.Validate(); len(missing) > 0 {
		slog.Warn("serve: relay not configured", "missing", missing)
		ok = true
		return rt, nil
	}

	backend, err := tracker.New(cfg.Tracker)
	if err != nil {
		return nil, fmt.Errorf("creating tracker: %w", err)
	}
	rt.tracker = tracker.NewClient(backend, tracker.OptionsFromConfig(cfg.Tracker))

	tmpl, err := templates.Load(cfg.Tracker.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("loading ticket template: %w", err)
	}

	opts := relay.Options{
		Verifier:  signature.New(cfg.Webhook.Secret, cfg.Webhook.AcceptCompactSignature),
		Store:     rt.dedup,
		Mapper:    priority.New(cfg.Tracker.DefaultPriority),
		Tickets:   rt.tracker,
		Template:  tmpl,
		Activity:  rt.activity,
		TeamID:    cfg.Tracker.TeamID,
		ProjectID: cfg.Tracker.ProjectID,
	}
	if cfg.Tracker.FindExisting {
		opts.Finder = rt.tracker
	}
	rt.relay, err = relay.New(opts)
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func (rt *relayRuntime) close() {
	if rt.activity != nil {
		rt.activity.Close()
	}
	if rt.nats != nil {
		rt.nats.Close()
	}
	if rt.dedup != nil {
		if err := rt.dedup.Close(); err != nil {
			slog.Warn("serve: closing dedup mirror", "error", err)
		}
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}
