package config

import (
	"time"
)

// Config is the top-level optrail configuration.
type Config struct {
	Server     Server      `yaml:"server"`
	Storage    Storage     `yaml:"storage"`
	Tracking   Tracking    `yaml:"tracking"`
	RateLimits RateLimits  `yaml:"rate_limits"`
	WatchRules []WatchRule `yaml:"watch_rules"`
	Alerts     Alerts      `yaml:"alerts"`
	Auth       Auth        `yaml:"auth"`
}

type Server struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`        // management/query API
	IngestPort int    `yaml:"ingest_port"` // producer ingestion API; 0 disables
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // text, json
	CORS       bool   `yaml:"cors"`
}

type Storage struct {
	Driver        string        `yaml:"driver"` // sqlite, memory
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
	ChildPolicy   string        `yaml:"child_policy"` // cascade, detach
	StaleAfter    time.Duration `yaml:"stale_after"`  // fail out STARTED records older than this; 0 disables
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReloadOnStart bool          `yaml:"reload_on_start"`
	ReloadLimit   int           `yaml:"reload_limit"`
}

type Tracking struct {
	DetailLevel        string          `yaml:"detail_level"` // MINIMAL, NORMAL, DETAILED
	RedactParameters   []string        `yaml:"redact_parameters"`
	RedactionRules     []RedactionRule `yaml:"redaction_rules"`
	MaxResultSize      int             `yaml:"max_result_size"`
	QueueCapacity      int             `yaml:"queue_capacity"`
	BatchSize          int             `yaml:"batch_size"`
	FlushInterval      time.Duration   `yaml:"flush_interval"`
	StatsTTL           time.Duration   `yaml:"stats_ttl"`
	RecentLimit        int             `yaml:"recent_limit"`
	IdentityParameters []string        `yaml:"identity_parameters"`
}

type RedactionRule struct {
	Name        string   `yaml:"name"`
	Pattern     string   `yaml:"pattern"`
	Replacement string   `yaml:"replacement"`
	Keys        []string `yaml:"keys"`
}

type RateLimits struct {
	Window           time.Duration  `yaml:"window"`
	DefaultThreshold int            `yaml:"default_threshold"`
	PerCommand       map[string]int `yaml:"per_command"`
}

type WatchRule struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"` // CEL over terminal operations
	Severity  string `yaml:"severity"`  // info, warning, critical
	Message   string `yaml:"message"`
}

type Alerts struct {
	Slack   SlackAlert   `yaml:"slack"`
	Webhook WebhookAlert `yaml:"webhook"`
}

type SlackAlert struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlert struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type Auth struct {
	Enabled  bool          `yaml:"enabled"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	// AdminToken is a static token accepted alongside rotating tokens,
	// for CLI and bootstrap use.
	AdminToken string `yaml:"admin_token"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Host:       "127.0.0.1",
			Port:       6710,
			IngestPort: 6711,
			LogLevel:   "info",
			LogFormat:  "text",
			CORS:       false,
		},
		Storage: Storage{
			Driver:        "sqlite",
			Path:          "./optrail.db",
			RetentionDays: 90,
			ChildPolicy:   "detach",
			SweepInterval: time.Hour,
			ReloadOnStart: true,
			ReloadLimit:   10000,
		},
		Tracking: Tracking{
			DetailLevel:   "NORMAL",
			MaxResultSize: 1000,
			QueueCapacity: 1000,
			BatchSize:     50,
			FlushInterval: 100 * time.Millisecond,
			StatsTTL:      5 * time.Second,
			RecentLimit:   1000,
		},
		RateLimits: RateLimits{
			Window:           time.Minute,
			DefaultThreshold: 20,
		},
		Auth: Auth{
			TokenTTL: time.Hour,
		},
	}
}
