package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/dedup"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/gateway"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/notify"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/templates"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/tracker"
)

var doctorSkipTracker bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify configuration, credentials, and connectivity",
	Long: `Checks that the required settings are present, the database and the
dedup mirror can be opened, the ticket template parses, and the tracker
accepts the configured credentials.

Use --offline to skip the tracker API call.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSkipTracker, "offline", false,
		"skip checks that call the tracker API")
}

type check struct {
	allOK bool
}

func (c *check) line(label string) {
	fmt.Printf("%-25s ", label+" "+dots(24-len(label)))
}

func (c *check) ok(format string, args ...any) {
	fmt.Println(successStyle.Render("OK") + " " + dimStyle.Render(fmt.Sprintf(format, args...)))
}

func (c *check) warn(format string, args ...any) {
	fmt.Println(warnStyle.Render("WARN") + " " + fmt.Sprintf(format, args...))
}

func (c *check) fail(format string, args ...any) {
	c.allOK = false
	fmt.Println(failStyle.Render("FAIL") + " " + fmt.Sprintf(format, args...))
}

func dots(n int) string {
	return strings.Repeat(".", max(n, 1))
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c := &check{allOK: true}
	fmt.Println(headerStyle.Render("=== ctrlscan-relay doctor ==="))

	// Required settings
	c.line("Configuration")
	if missing := cfg.Validate(); len(missing) > 0 {
		c.fail("missing: %v", missing)
	} else {
		c.ok("%s tracker", cfg.Tracker.Provider)
	}

	c.line("Webhook secret")
	if cfg.Webhook.Secret == "" {
		c.warn("not set, signatures will not be verified")
	} else {
		c.ok("%s, header %s", config.RedactSecret(cfg.Webhook.Secret), cfg.Webhook.SignatureHeader)
	}

	// Database
	c.line("Database")
	db, err := database.New(cfg.Database)
	if err != nil {
		c.fail("%s", err)
	} else {
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			c.fail("%s", err)
			db = nil
		} else if err := db.Migrate(ctx); err != nil {
			c.fail("migrations: %s", err)
			db = nil
		} else {
			c.ok("%s", db.Driver())
		}
	}

	// Dedup mirror
	c.line("Dedup mirror")
	mirror, err := dedup.NewMirror(ctx, cfg, db)
	switch {
	case err != nil:
		c.fail("%s", err)
	case mirror == nil:
		c.warn("memory only, duplicates are forgotten on restart")
	default:
		recs, err := mirror.Load(ctx)
		if err != nil {
			c.fail("%s: %s", mirror.Name(), err)
		} else {
			c.ok("%s, %d records", mirror.Name(), len(recs))
		}
		_ = mirror.Close()
	}

	// Activity persistence
	if cfg.Activity.Persist && db != nil {
		c.line("Activity history")
		n, err := activity.NewStore(db).Count(ctx)
		if err != nil {
			c.fail("%s", err)
		} else {
			c.ok("%d entries, retention %d days (%s)", n, cfg.Activity.RetentionDays, cfg.Activity.RetentionSchedule)
		}
	}
	c.line("Retention schedule")
	if err := gateway.ValidateSchedule(cfg.Activity.RetentionSchedule); err != nil {
		c.fail("%q: %s", cfg.Activity.RetentionSchedule, err)
	} else {
		c.ok("%s", cfg.Activity.RetentionSchedule)
	}

	// Template
	c.line("Ticket template")
	if tmpl, err := templates.Load(cfg.Tracker.TemplatePath); err != nil {
		c.fail("%s", err)
	} else if tmpl.Bundled {
		c.ok("bundled default")
	} else {
		c.ok("%s (%s)", tmpl.Name, cfg.Tracker.TemplatePath)
	}

	// Notifications
	c.line("Notifications")
	if d := notify.NewDispatcher(cfg.Notify); d.IsAnyConfigured() {
		c.ok("%v, min severity %s", d.Channels(), cfg.Notify.MinSeverity)
	} else {
		c.warn("no channels configured")
	}

	// NATS
	if cfg.NATS.URL != "" {
		c.line("NATS")
		pub, err := activity.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			c.fail("%s", err)
		} else {
			if pub.IsConnected() {
				c.ok("%s -> %s", cfg.NATS.URL, cfg.NATS.Subject)
			} else {
				c.warn("%s not connected yet, will retry", cfg.NATS.URL)
			}
			pub.Close()
		}
	}

	// Tracker
	c.line("Tracker API")
	switch {
	case doctorSkipTracker:
		c.warn("skipped (--offline)")
	case !cfg.Configured():
		c.warn("skipped, configuration incomplete")
	default:
		backend, err := tracker.New(cfg.Tracker)
		if err != nil {
			c.fail("%s", err)
			break
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = tracker.NewClient(backend, tracker.OptionsFromConfig(cfg.Tracker)).Ping(pingCtx)
		cancel()
		if err != nil {
			c.fail("%s", err)
		} else {
			c.ok("%s credentials accepted", backend.Name())
		}
	}

	fmt.Println()
	if c.allOK {
		fmt.Println(successStyle.Render("All checks passed, ctrlscan-relay is ready!"))
	} else {
		fmt.Println(warnStyle.Render("Some checks failed, fix the settings above and run doctor again."))
	}
	return nil
}
