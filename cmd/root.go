package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#7C3AED")).
	MarginBottom(1)

var successStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#10B981"))

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F59E0B"))

var failStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#EF4444"))

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6B7280"))

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ctrlscan-relay",
	Short: "Relay Semgrep findings into tracker tickets, once per finding",
	Long: `ctrlscan-relay receives Semgrep webhook deliveries, verifies their
signature, and opens one ticket per new finding in Linear (or GitHub/GitLab
issues). Findings that already produced a ticket are skipped.

Get started:
  ctrlscan-relay config template   Write the default ticket template
  ctrlscan-relay doctor            Verify configuration and connectivity
  ctrlscan-relay serve             Start the webhook receiver
  ctrlscan-relay activity          Show recent relay activity`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.ctrlscan-relay/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		doctorCmd,
		configCmd,
		activityCmd,
		signCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}

// setupLogger installs the default slog logger from cfg: text or JSON to
// stdout, optionally teed to a log file. --verbose forces debug level.
func setupLogger(cfg config.LogConfig) (func(), error) {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	cleanup := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir %s: %w", filepath.Dir(cfg.File), err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		cleanup = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: verbose}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)
	return cleanup, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
