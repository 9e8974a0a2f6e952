// Package config loads and validates the control plane's configuration from
// a YAML file overlaid with environment variables, in the shape every
// component (server, store, crypto keyring, scheduler, queue, maintenance)
// depends on at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Queue       QueueConfig       `koanf:"queue"`
	Crypto      CryptoConfig      `koanf:"crypto"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// QueueConfig names the delayed dispatch queue and its dead-letter sibling.
// Both live in the same SQS account; the DLQ name is conventionally the
// dispatch queue name with a "-dlq" suffix, which is how the consumer tells
// the two roles apart.
type QueueConfig struct {
	DispatchQueueURL string `koanf:"dispatch_queue_url"`
	DLQQueueURL      string `koanf:"dlq_queue_url"`
	Region           string `koanf:"region"`
}

type CryptoConfig struct {
	JWKSJSON           string `koanf:"jwks_json"`
	PrivateKeysJSON    string `koanf:"private_keys_json"`
	ActiveKid          string `koanf:"active_kid"`
	Issuer             string `koanf:"issuer"`
	InstanceTriggerAud string `koanf:"instance_trigger_audience"`
	SignatureWindowMs  int    `koanf:"signature_window_ms"`
}

// SchedulerConfig bounds the scheduler tick and the queue consumer's
// dispatch/retry behavior.
type SchedulerConfig struct {
	InstanceTriggerPath     string `koanf:"instance_trigger_path"`
	RequestTimeoutMs        int    `koanf:"request_timeout_ms"`
	MaxRetryAttempts        int    `koanf:"max_retry_attempts"`
	MaxDispatchPerMinute    int    `koanf:"max_dispatch_per_minute"`
	MaxSlotLookaheadMinutes int    `koanf:"max_slot_lookahead_minutes"`
	MaxScheduleScanPerTick  int    `koanf:"max_schedule_scan_per_tick"`
	ScheduleBatchLimit      int    `koanf:"schedule_batch_limit"`
	TelemetryRawMaxBytes    int    `koanf:"telemetry_raw_max_bytes"`
}

// MaintenanceConfig controls the hourly pruning/rollup pass, triggered by
// the scheduler tick whose UTC minute equals 13.
type MaintenanceConfig struct {
	TelemetryRetention  time.Duration `koanf:"-"`
	HourlyRetention     time.Duration `koanf:"-"`
	BuildEventRetention time.Duration `koanf:"-"`
	MinuteLoadRetention time.Duration `koanf:"-"`

	TelemetryRetentionStr  string `koanf:"telemetry_retention"`
	HourlyRetentionStr     string `koanf:"hourly_retention"`
	BuildEventRetentionStr string `koanf:"build_event_retention"`
	MinuteLoadRetentionStr string `koanf:"minute_load_retention"`
}

// envKeyMap maps the flat, UPPER_SNAKE env var names the wire protocol fixes
// (CLOUD_JWKS_JSON, MAX_RETRY_ATTEMPTS, ...) to dotted koanf keys. Anything
// not in this table is read only through the NPCLOUD_SERVER__PORT ->
// server.port convention used for the ambient server/database settings.
var envKeyMap = map[string]string{
	"CLOUD_JWKS_JSON":            "crypto.jwks_json",
	"CLOUD_PRIVATE_KEYS_JSON":    "crypto.private_keys_json",
	"CLOUD_ACTIVE_KID":           "crypto.active_kid",
	"CLOUD_ISSUER":               "crypto.issuer",
	"INSTANCE_TRIGGER_AUDIENCE":  "crypto.instance_trigger_audience",
	"SIGNATURE_WINDOW_MS":        "crypto.signature_window_ms",
	"INSTANCE_TRIGGER_PATH":      "scheduler.instance_trigger_path",
	"REQUEST_TIMEOUT_MS":         "scheduler.request_timeout_ms",
	"MAX_RETRY_ATTEMPTS":         "scheduler.max_retry_attempts",
	"MAX_DISPATCH_PER_MINUTE":    "scheduler.max_dispatch_per_minute",
	"MAX_SLOT_LOOKAHEAD_MINUTES": "scheduler.max_slot_lookahead_minutes",
	"MAX_SCHEDULE_SCAN_PER_TICK": "scheduler.max_schedule_scan_per_tick",
	"SCHEDULE_BATCH_LIMIT":       "scheduler.schedule_batch_limit",
	"TELEMETRY_RAW_MAX_BYTES":    "scheduler.telemetry_raw_max_bytes",
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Queue.DispatchQueueURL) == "" {
		return fmt.Errorf("queue.dispatch_queue_url is required")
	}
	if strings.TrimSpace(c.Queue.DLQQueueURL) == "" {
		return fmt.Errorf("queue.dlq_queue_url is required")
	}

	if strings.TrimSpace(c.Crypto.JWKSJSON) == "" {
		return fmt.Errorf("crypto.jwks_json is required")
	}
	if strings.TrimSpace(c.Crypto.PrivateKeysJSON) == "" {
		return fmt.Errorf("crypto.private_keys_json is required")
	}
	if c.Crypto.SignatureWindowMs <= 0 {
		return fmt.Errorf("crypto.signature_window_ms must be > 0")
	}

	if c.Scheduler.RequestTimeoutMs <= 0 {
		return fmt.Errorf("scheduler.request_timeout_ms must be > 0")
	}
	if c.Scheduler.MaxRetryAttempts <= 0 {
		return fmt.Errorf("scheduler.max_retry_attempts must be > 0")
	}
	if c.Scheduler.MaxDispatchPerMinute <= 0 {
		return fmt.Errorf("scheduler.max_dispatch_per_minute must be > 0")
	}
	if c.Scheduler.MaxSlotLookaheadMinutes <= 0 {
		return fmt.Errorf("scheduler.max_slot_lookahead_minutes must be > 0")
	}
	if c.Scheduler.MaxScheduleScanPerTick <= 0 {
		return fmt.Errorf("scheduler.max_schedule_scan_per_tick must be > 0")
	}
	if c.Scheduler.ScheduleBatchLimit <= 0 {
		return fmt.Errorf("scheduler.schedule_batch_limit must be > 0")
	}
	if c.Scheduler.TelemetryRawMaxBytes <= 0 {
		return fmt.Errorf("scheduler.telemetry_raw_max_bytes must be > 0")
	}

	return nil
}

// resolveMaintenance parses the duration strings loaded via koanf, applying
// the built-in retention defaults for any left blank.
func (c *Config) resolveMaintenance() error {
	defaults := map[string]string{
		"telemetry":  "2160h", // 90 days
		"hourly":     "8760h", // 365 days
		"buildEvent": "8760h", // 365 days
		"minuteLoad": "24h",   // 1 day
	}

	parse := func(raw, key string) (time.Duration, error) {
		if raw == "" {
			raw = defaults[key]
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid maintenance.%s retention %q: %w", key, raw, err)
		}
		return d, nil
	}

	var err error
	if c.Maintenance.TelemetryRetention, err = parse(c.Maintenance.TelemetryRetentionStr, "telemetry"); err != nil {
		return err
	}
	if c.Maintenance.HourlyRetention, err = parse(c.Maintenance.HourlyRetentionStr, "hourly"); err != nil {
		return err
	}
	if c.Maintenance.BuildEventRetention, err = parse(c.Maintenance.BuildEventRetentionStr, "buildEvent"); err != nil {
		return err
	}
	if c.Maintenance.MinuteLoadRetention, err = parse(c.Maintenance.MinuteLoadRetentionStr, "minuteLoad"); err != nil {
		return err
	}
	return nil
}

// Load parses config from file + env and validates it. configPath may be
// empty, in which case only defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                          8080,
		"server.host":                          "0.0.0.0",
		"server.mode":                          "release",
		"database.dsn":                         "",
		"database.max_open_conns":              25,
		"database.max_idle_conns":              25,
		"database.auto_migrate":                true,
		"crypto.issuer":                        "np-cloud",
		"crypto.instance_trigger_audience":     "np-instance",
		"crypto.signature_window_ms":           5 * 60 * 1000,
		"scheduler.instance_trigger_path":      "/api/internal/cron/cloud-trigger",
		"scheduler.request_timeout_ms":         15000,
		"scheduler.max_retry_attempts":         6,
		"scheduler.max_dispatch_per_minute":    50,
		"scheduler.max_slot_lookahead_minutes": 10,
		"scheduler.max_schedule_scan_per_tick": 500,
		"scheduler.schedule_batch_limit":       100,
		"scheduler.telemetry_raw_max_bytes":    4096,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Ambient settings follow the PREFIX_SECTION__FIELD convention.
	if err := k.Load(env.Provider("NPCLOUD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "NPCLOUD_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// The domain config surface uses flat, unprefixed env var names fixed by
	// the wire protocol (CLOUD_JWKS_JSON, MAX_RETRY_ATTEMPTS, ...) rather than
	// the project's own naming convention, so they're looked up explicitly.
	for envName, koanfKey := range envKeyMap {
		if v, ok := os.LookupEnv(envName); ok {
			k.Set(koanfKey, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolveMaintenance(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
