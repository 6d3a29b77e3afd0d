// Package config resolves the migration engine's process configuration:
// data directory, log level, and the scheduler/orchestrator tuning knobs.
// Values come from a TOML config file in the data directory with
// environment variables layered on top; env always wins over file.
package config

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved process configuration.
type Config struct {
	DataDir  string
	LogLevel string

	// Scheduler tick cadence and distributed lease tuning.
	TickInterval       time.Duration
	LeaseName          string
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
	CatchUpWindow      time.Duration

	// Orchestrator bus-consumption tuning.
	OrchestratorPrefetch  int
	OrchestratorPollEvery time.Duration

	// Retry/backoff defaults: every step and init execution is created with
	// DefaultMaxRetries and DefaultRetryIntervalSec (runbook steps carry no
	// retry fields of their own). ThrottleHardCap bounds the retries of a
	// failure the worker reports as throttled, independent of max_retries.
	DefaultMaxRetries       int
	DefaultRetryIntervalSec int
	ThrottleHardCap         int

	TelemetryInterval time.Duration
}

const defaultConfigContent = `# tenantmigrator configuration
# All values shown are defaults. Uncomment and edit to customize.

# Log level: debug, info, warn, error.
# Environment variable: MIGRATOR_LOG_LEVEL
# log_level = "info"

# Scheduler tick cadence.
# Environment variable: MIGRATOR_TICK_INTERVAL
# tick_interval = "5m"

# Distributed scheduler lease: name, TTL, renewal interval.
# Environment variables:
# - MIGRATOR_LEASE_NAME
# - MIGRATOR_LEASE_TTL
# - MIGRATOR_LEASE_RENEW_INTERVAL
# lease_name = "scheduler"
# lease_ttl = "25m"
# lease_renew_interval = "1m40s"

# Pending phases that fell due further back than this are skipped instead of
# dispatched when the runbook's overdue_behavior is ignore.
# Environment variable: MIGRATOR_CATCH_UP_WINDOW
# catch_up_window = "24h"

# Orchestrator bus-consumer concurrency and poll cadence.
# Environment variables:
# - MIGRATOR_ORCHESTRATOR_PREFETCH
# - MIGRATOR_ORCHESTRATOR_POLL_EVERY
# orchestrator_prefetch = 10
# orchestrator_poll_every = "2s"

# Retry policy given to every step and init execution.
# Environment variables:
# - MIGRATOR_DEFAULT_MAX_RETRIES
# - MIGRATOR_DEFAULT_RETRY_INTERVAL_SEC
# - MIGRATOR_THROTTLE_HARD_CAP
# default_max_retries = 3
# default_retry_interval_sec = 30
# throttle_hard_cap = 10

# Telemetry gauge publish interval.
# Environment variable: MIGRATOR_TELEMETRY_INTERVAL
# telemetry_interval = "30s"
`

var (
	osUserHomeDir = os.UserHomeDir
	osCurrentUser = user.Current
	osGeteuid     = os.Geteuid
	osTempDir     = os.TempDir
)

// fileConfig mirrors the TOML document shape; every field is a pointer so
// Load can tell "absent from file" apart from "explicitly zero".
type fileConfig struct {
	LogLevel                *string `toml:"log_level"`
	TickInterval            *string `toml:"tick_interval"`
	LeaseName               *string `toml:"lease_name"`
	LeaseTTL                *string `toml:"lease_ttl"`
	LeaseRenewInterval      *string `toml:"lease_renew_interval"`
	CatchUpWindow           *string `toml:"catch_up_window"`
	OrchestratorPrefetch    *int    `toml:"orchestrator_prefetch"`
	OrchestratorPollEvery   *string `toml:"orchestrator_poll_every"`
	DefaultMaxRetries       *int    `toml:"default_max_retries"`
	DefaultRetryIntervalSec *int    `toml:"default_retry_interval_sec"`
	ThrottleHardCap         *int    `toml:"throttle_hard_cap"`
	TelemetryInterval       *string `toml:"telemetry_interval"`
}

func Load() Config {
	cfg := Config{
		LogLevel:                "info",
		TickInterval:            5 * time.Minute,
		LeaseName:               "scheduler",
		LeaseTTL:                25 * time.Minute,
		LeaseRenewInterval:      100 * time.Second,
		CatchUpWindow:           24 * time.Hour,
		OrchestratorPrefetch:    10,
		OrchestratorPollEvery:   2 * time.Second,
		DefaultMaxRetries:       3,
		DefaultRetryIntervalSec: 30,
		ThrottleHardCap:         10,
		TelemetryInterval:       30 * time.Second,
	}

	cfg.DataDir = resolveDataDir()
	configPath := filepath.Join(cfg.DataDir, "config.toml")
	ensureDefaultConfig(configPath)

	file := loadFile(configPath)
	applyConfig(&cfg, file)
	return cfg
}

func resolveDataDir() string {
	if v := strings.TrimSpace(os.Getenv("MIGRATOR_DATA_DIR")); v != "" {
		return v
	}
	if home, err := resolveHomeDir(); err == nil {
		return filepath.Join(home, ".tenantmigrator")
	}
	// Last-resort fallback for restricted service environments.
	return filepath.Join(osTempDir(), "tenantmigrator")
}

func ensureDefaultConfig(configPath string) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		_ = os.MkdirAll(filepath.Dir(configPath), 0o700)
		_ = os.WriteFile(configPath, []byte(defaultConfigContent), 0o600) //nolint:gosec // fixed content, not user input
	}
}

// loadFile decodes the TOML config file. A missing or malformed file
// decodes to a zero fileConfig (every field nil), which applyConfig treats
// as "use defaults".
func loadFile(path string) fileConfig {
	var fc fileConfig
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from DataDir, not user input
	if err != nil {
		return fc
	}
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return fileConfig{}
	}
	return fc
}

func applyConfig(cfg *Config, file fileConfig) {
	cfg.LogLevel = envOrFileString("MIGRATOR_LOG_LEVEL", file.LogLevel, cfg.LogLevel)
	cfg.LeaseName = envOrFileString("MIGRATOR_LEASE_NAME", file.LeaseName, cfg.LeaseName)

	cfg.TickInterval = envOrFileDuration("MIGRATOR_TICK_INTERVAL", file.TickInterval, cfg.TickInterval)
	cfg.LeaseTTL = envOrFileDuration("MIGRATOR_LEASE_TTL", file.LeaseTTL, cfg.LeaseTTL)
	cfg.LeaseRenewInterval = envOrFileDuration("MIGRATOR_LEASE_RENEW_INTERVAL", file.LeaseRenewInterval, cfg.LeaseRenewInterval)
	cfg.CatchUpWindow = envOrFileDuration("MIGRATOR_CATCH_UP_WINDOW", file.CatchUpWindow, cfg.CatchUpWindow)
	cfg.OrchestratorPollEvery = envOrFileDuration("MIGRATOR_ORCHESTRATOR_POLL_EVERY", file.OrchestratorPollEvery, cfg.OrchestratorPollEvery)
	cfg.TelemetryInterval = envOrFileDuration("MIGRATOR_TELEMETRY_INTERVAL", file.TelemetryInterval, cfg.TelemetryInterval)

	cfg.OrchestratorPrefetch = envOrFileInt("MIGRATOR_ORCHESTRATOR_PREFETCH", file.OrchestratorPrefetch, cfg.OrchestratorPrefetch)
	cfg.DefaultMaxRetries = envOrFileInt("MIGRATOR_DEFAULT_MAX_RETRIES", file.DefaultMaxRetries, cfg.DefaultMaxRetries)
	cfg.DefaultRetryIntervalSec = envOrFileInt("MIGRATOR_DEFAULT_RETRY_INTERVAL_SEC", file.DefaultRetryIntervalSec, cfg.DefaultRetryIntervalSec)
	cfg.ThrottleHardCap = envOrFileInt("MIGRATOR_THROTTLE_HARD_CAP", file.ThrottleHardCap, cfg.ThrottleHardCap)
}

func envOrFileString(envKey string, fileVal *string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	if fileVal != nil && strings.TrimSpace(*fileVal) != "" {
		return strings.TrimSpace(*fileVal)
	}
	return fallback
}

func envOrFileDuration(envKey string, fileVal *string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if fileVal != nil {
		if d, err := time.ParseDuration(strings.TrimSpace(*fileVal)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envOrFileInt(envKey string, fileVal *int, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if fileVal != nil && *fileVal > 0 {
		return *fileVal
	}
	return fallback
}

func resolveHomeDir() (string, error) {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home, nil
	}
	if home, err := osUserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		return strings.TrimSpace(home), nil
	}
	if current, err := osCurrentUser(); err == nil && current != nil {
		if home := strings.TrimSpace(current.HomeDir); home != "" {
			return home, nil
		}
	}
	if osGeteuid() == 0 {
		// System services may run without HOME set.
		if runtime.GOOS == "darwin" {
			return "/var/root", nil
		}
		return "/root", nil
	}
	return "", errors.New("home directory not found")
}
