package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and holds the active configuration. Get is safe for
// concurrent use; Load and Reload replace the held config atomically.
type Loader struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewLoader creates a Loader holding the default configuration.
func NewLoader() *Loader {
	return &Loader{config: DefaultConfig()}
}

// Load reads the YAML file at path, applies environment variable
// substitution, and merges it over the defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Get returns the active configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// FilePath returns the path of the last loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Reload re-reads the previously loaded file. The held config is only
// replaced if the reload parses cleanly, so a broken edit never takes out
// a running server.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references against the process
// environment. Unset variables expand to their ${VAR:-default} fallback, or
// to the empty string when no fallback is given.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return fallback
	})
}

const defaultConfigTemplate = `# optrail configuration

server:
  host: 127.0.0.1
  port: 6710        # management/query API
  ingest_port: 6711 # producer ingestion API (0 disables)
  log_level: info   # debug, info, warn, error
  log_format: text  # text, json
  cors: false

storage:
  driver: sqlite
  path: ./optrail.db
  retention_days: 90
  child_policy: detach # detach or cascade children of pruned parents
  sweep_interval: 1h
  stale_after: 0s      # fail out STARTED operations older than this (0 disables)
  reload_on_start: true
  reload_limit: 10000

tracking:
  detail_level: NORMAL # MINIMAL, NORMAL, DETAILED
  max_result_size: 1000
  queue_capacity: 1000
  batch_size: 50
  flush_interval: 100ms
  stats_ttl: 5s
  recent_limit: 1000
  redact_parameters: []
  # redaction_rules:
  #   - name: bearer-tokens
  #     pattern: "Bearer [A-Za-z0-9._-]+"
  #     replacement: "Bearer [REDACTED]"

rate_limits:
  window: 1m
  default_threshold: 20
  per_command: {}

# watch_rules:
#   - name: admin-failures
#     condition: 'op.command == "admin" && op.status == "FAILED"'
#     severity: critical
#     message: "admin command failed"

alerts:
  slack:
    webhook_url: "${OPTRAIL_SLACK_WEBHOOK:-}"
  webhook:
    url: ""
    secret: "${OPTRAIL_WEBHOOK_SECRET:-}"

auth:
  enabled: false
  token_ttl: 1h
  admin_token: "${OPTRAIL_ADMIN_TOKEN:-}"
`

// GenerateDefault writes a commented starter config to path. Refuses to
// overwrite an existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0644)
}
