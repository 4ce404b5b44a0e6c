package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ctrlscan-relay"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".ctrlscan-relay/relay.db"
	DefaultDedupFile  = ".ctrlscan-relay/dedup.jsonl"
	DefaultLogFile    = ".ctrlscan-relay/logs/relay.log"
)

// legacyEnv binds the environment variable names used by earlier deployments
// of the relay.
var legacyEnv = map[string][]string{
	"tracker.api_key":               {"LINEAR_API_KEY"},
	"tracker.team_id":               {"LINEAR_TEAM_ID"},
	"tracker.project_id":            {"LINEAR_PROJECT_ID"},
	"tracker.default_priority":      {"LINEAR_DEFAULT_PRIORITY"},
	"tracker.timeout_seconds":       {"LINEAR_API_TIMEOUT"},
	"tracker.retries":               {"LINEAR_API_RETRIES"},
	"tracker.retry_delay_seconds":   {"LINEAR_API_RETRY_DELAY"},
	"tracker.find_existing":         {"LINEAR_FIND_EXISTING"},
	"webhook.secret":                {"SEMGREP_WEBHOOK_SECRET"},
	"webhook.max_payload_kb":        {"WEBHOOK_MAX_PAYLOAD_SIZE_KB"},
	"gateway.port":                  {"PORT"},
	"gateway.rate_limit_per_minute": {"RATE_LIMIT_PER_MINUTE"},
	"gateway.rate_limit_burst":      {"RATE_LIMIT_BURST"},
	"dedup.file":                    {"DEDUP_FILE"},
	"log.level":                     {"LOG_LEVEL"},
	"log.format":                    {"LOG_FORMAT"},
}

// Load reads .env (if present), the config file (if present) and the
// environment, and returns a populated Config. The configPath flag may
// override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config file: defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	path, err := ConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDir creates ~/.ctrlscan-relay if it doesn't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	d := filepath.Join(home, DefaultConfigDir)
	if err := os.MkdirAll(d, 0o700); err != nil {
		return fmt.Errorf("creating directory %s: %w", d, err)
	}
	return nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("tracker.provider", "linear")
	v.SetDefault("tracker.api_key", "")
	v.SetDefault("tracker.team_id", "")
	v.SetDefault("tracker.project_id", "")
	v.SetDefault("tracker.repository", "")
	v.SetDefault("tracker.base_url", "")
	v.SetDefault("tracker.default_priority", 0)
	v.SetDefault("tracker.labels", []string{})
	v.SetDefault("tracker.template_path", "")
	v.SetDefault("tracker.find_existing", true)
	v.SetDefault("tracker.timeout_seconds", 30)
	v.SetDefault("tracker.retries", 3)
	v.SetDefault("tracker.retry_delay_seconds", 1.0)
	v.SetDefault("tracker.max_retry_delay_seconds", 30.0)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Semgrep-Signature-256")
	v.SetDefault("webhook.accept_compact_signature", false)
	v.SetDefault("webhook.max_payload_kb", 1024)

	v.SetDefault("dedup.mirror", "file")
	v.SetDefault("dedup.file", filepath.Join(home, DefaultDedupFile))
	v.SetDefault("dedup.mirror_timeout_seconds", 2.0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("gateway.host", "")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.rate_limit_per_minute", 60)
	v.SetDefault("gateway.rate_limit_burst", 10)

	v.SetDefault("activity.capacity", 500)
	v.SetDefault("activity.persist", true)
	v.SetDefault("activity.retention_days", 30)
	v.SetDefault("activity.retention_schedule", "@daily")

	v.SetDefault("notify.min_severity", "critical")
	v.SetDefault("notify.events", []string{})
	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.secret", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "relay.activity")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "relay:dedup:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", filepath.Join(home, DefaultLogFile))
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, names := range legacyEnv {
		// The derived name (e.g. TRACKER_API_KEY) is checked first.
		canonical := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		args := append([]string{key, canonical}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}
	return nil
}

// Validate returns the list of required settings that are missing. An empty
// result means the relay can create tickets.
func (c *Config) Validate() []string {
	var missing []string
	switch strings.ToLower(c.Tracker.Provider) {
	case "", "linear":
		if c.Tracker.APIKey == "" {
			missing = append(missing, "tracker.api_key (LINEAR_API_KEY)")
		}
		if c.Tracker.TeamID == "" {
			missing = append(missing, "tracker.team_id (LINEAR_TEAM_ID)")
		}
	case "github", "gitlab":
		if c.Tracker.APIKey == "" {
			missing = append(missing, "tracker.api_key")
		}
		if c.Tracker.Repository == "" {
			missing = append(missing, "tracker.repository")
		}
	default:
		missing = append(missing, fmt.Sprintf("tracker.provider (unsupported %q)", c.Tracker.Provider))
	}
	if p := c.Tracker.DefaultPriority; p != 0 && (p < 1 || p > 4) {
		missing = append(missing, "tracker.default_priority (must be 1-4)")
	}
	return missing
}

// Configured reports whether Validate found nothing missing.
func (c *Config) Configured() bool {
	return len(c.Validate()) == 0
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Dedup.File = expandHome(cfg.Dedup.File, home)
	cfg.Log.File = expandHome(cfg.Log.File, home)
	cfg.Tracker.TemplatePath = expandHome(cfg.Tracker.TemplatePath, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "no such file")
}

// Redacted returns a copy of c with secrets masked, for display.
func (c Config) Redacted() Config {
	c.Tracker.APIKey = RedactSecret(c.Tracker.APIKey)
	c.Tracker.Labels = append([]string(nil), c.Tracker.Labels...)
	c.Webhook.Secret = RedactSecret(c.Webhook.Secret)
	c.Gateway.APIKey = RedactSecret(c.Gateway.APIKey)
	c.Notify.Webhook.Secret = RedactSecret(c.Notify.Webhook.Secret)
	c.Notify.Slack.WebhookURL = RedactSecret(c.Notify.Slack.WebhookURL)
	c.Redis.Password = RedactSecret(c.Redis.Password)
	c.Database.DSN = RedactSecret(c.Database.DSN)
	return c
}

// RedactSecret keeps the first and last four characters of long values.
func RedactSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "********"
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}
