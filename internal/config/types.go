package config

import "time"

// Config is the root configuration structure for ctrlscan-relay.
// Serialised to ~/.ctrlscan-relay/config.json.
type Config struct {
	Tracker  TrackerConfig  `mapstructure:"tracker"  json:"tracker"`
	Webhook  WebhookConfig  `mapstructure:"webhook"  json:"webhook"`
	Dedup    DedupConfig    `mapstructure:"dedup"    json:"dedup"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"  json:"gateway"`
	Activity ActivityConfig `mapstructure:"activity" json:"activity"`
	Notify   NotifyConfig   `mapstructure:"notify"   json:"notify"`
	NATS     NATSConfig     `mapstructure:"nats"     json:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"    json:"redis"`
	Log      LogConfig      `mapstructure:"log"      json:"log"`
}

// TrackerConfig controls the downstream ticket tracker.
type TrackerConfig struct {
	// Provider is "linear" (default), "github" or "gitlab".
	Provider string `mapstructure:"provider" json:"provider"`
	// APIKey is the Linear API key or the GitHub/GitLab token.
	APIKey string `mapstructure:"api_key" json:"api_key"`
	// TeamID is the Linear team that owns created issues.
	TeamID string `mapstructure:"team_id" json:"team_id"`
	// ProjectID optionally files Linear issues under a project.
	ProjectID string `mapstructure:"project_id" json:"project_id"`
	// Repository is "owner/repo" (GitHub) or the project path (GitLab).
	Repository string `mapstructure:"repository" json:"repository"`
	// BaseURL overrides the API endpoint (Linear GraphQL URL, GitHub Enterprise
	// host or self-hosted GitLab host).
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// DefaultPriority (1-4) is used for INFO and unrecognised severities.
	DefaultPriority int      `mapstructure:"default_priority" json:"default_priority"`
	Labels          []string `mapstructure:"labels"           json:"labels"`
	// TemplatePath points at a markdown ticket template with YAML frontmatter.
	// Empty uses the bundled template.
	TemplatePath string `mapstructure:"template_path" json:"template_path"`
	// FindExisting searches the tracker for an issue mentioning the finding
	// ID before creating one (Linear only).
	FindExisting bool `mapstructure:"find_existing" json:"find_existing"`

	TimeoutSeconds       int     `mapstructure:"timeout_seconds"         json:"timeout_seconds"`
	Retries              int     `mapstructure:"retries"                 json:"retries"`
	RetryDelaySeconds    float64 `mapstructure:"retry_delay_seconds"     json:"retry_delay_seconds"`
	MaxRetryDelaySeconds float64 `mapstructure:"max_retry_delay_seconds" json:"max_retry_delay_seconds"`
}

// Timeout returns the per-attempt request timeout.
func (t TrackerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base backoff delay.
func (t TrackerConfig) RetryDelay() time.Duration {
	return seconds(t.RetryDelaySeconds)
}

// MaxRetryDelay caps a single backoff sleep.
func (t TrackerConfig) MaxRetryDelay() time.Duration {
	return seconds(t.MaxRetryDelaySeconds)
}

// WebhookConfig controls inbound webhook handling.
type WebhookConfig struct {
	// Secret is the shared HMAC secret. Empty disables verification.
	Secret          string `mapstructure:"secret"           json:"secret"`
	SignatureHeader string `mapstructure:"signature_header" json:"signature_header"`
	// AcceptCompactSignature also accepts signatures computed over the
	// compact JSON re-serialisation of the body.
	AcceptCompactSignature bool `mapstructure:"accept_compact_signature" json:"accept_compact_signature"`
	MaxPayloadKB           int  `mapstructure:"max_payload_kb"           json:"max_payload_kb"`
}

// DedupConfig controls the duplicate store's durable mirror.
type DedupConfig struct {
	// Mirror is "" (memory only), "file", "database" or "redis".
	Mirror               string  `mapstructure:"mirror"                 json:"mirror"`
	File                 string  `mapstructure:"file"                   json:"file"`
	MirrorTimeoutSeconds float64 `mapstructure:"mirror_timeout_seconds" json:"mirror_timeout_seconds"`
}

// MirrorTimeout bounds a single mirror append.
func (d DedupConfig) MirrorTimeout() time.Duration {
	return seconds(d.MirrorTimeoutSeconds)
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL/PostgreSQL data source name.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	// APIKey guards /api/* when set (X-API-Key header).
	APIKey             string `mapstructure:"api_key"               json:"api_key"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	RateLimitBurst     int    `mapstructure:"rate_limit_burst"      json:"rate_limit_burst"`
}

// ActivityConfig controls the activity log and its persistence.
type ActivityConfig struct {
	// Capacity is the number of entries kept in memory.
	Capacity int `mapstructure:"capacity" json:"capacity"`
	// Persist writes every entry to the database.
	Persist bool `mapstructure:"persist" json:"persist"`
	// RetentionDays prunes persisted entries older than this (0 keeps all).
	RetentionDays int `mapstructure:"retention_days" json:"retention_days"`
	// RetentionSchedule is the cron expression for pruning ("@daily").
	RetentionSchedule string `mapstructure:"retention_schedule" json:"retention_schedule"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	// MinSeverity filters ticket_created notifications ("critical" by default).
	MinSeverity string `mapstructure:"min_severity" json:"min_severity"`
	// Events restricts which event types are sent. Empty uses the defaults.
	Events  []string            `mapstructure:"events"  json:"events"`
	Slack   SlackNotifyConfig   `mapstructure:"slack"   json:"slack"`
	Webhook WebhookNotifyConfig `mapstructure:"webhook" json:"webhook"`
}

// SlackNotifyConfig configures a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// WebhookNotifyConfig configures a generic outbound webhook.
type WebhookNotifyConfig struct {
	URL string `mapstructure:"url"    json:"url"`
	// Secret signs the body with HMAC-SHA256 (X-Relay-Signature).
	Secret string `mapstructure:"secret" json:"secret"`
}

// NATSConfig enables publishing activity entries to NATS.
type NATSConfig struct {
	URL     string `mapstructure:"url"     json:"url"`
	Subject string `mapstructure:"subject" json:"subject"`
}

// RedisConfig is used by the redis dedup mirror.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"       json:"addr"`
	Password  string `mapstructure:"password"   json:"password"`
	DB        int    `mapstructure:"db"         json:"db"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"  json:"level"`
	// Format is "text" (default) or "json".
	Format string `mapstructure:"format" json:"format"`
	// File optionally tees logs to a file.
	File string `mapstructure:"file"   json:"file"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
