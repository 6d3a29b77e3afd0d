package config

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileDecodesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `log_level = "debug"
tick_interval = "1m"
orchestrator_prefetch = 25
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	fc := loadFile(path)
	if fc.LogLevel == nil || *fc.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", fc.LogLevel)
	}
	if fc.TickInterval == nil || *fc.TickInterval != "1m" {
		t.Errorf("TickInterval = %v, want 1m", fc.TickInterval)
	}
	if fc.OrchestratorPrefetch == nil || *fc.OrchestratorPrefetch != 25 {
		t.Errorf("OrchestratorPrefetch = %v, want 25", fc.OrchestratorPrefetch)
	}
}

func TestLoadFileMissing(t *testing.T) {
	fc := loadFile("/nonexistent/path/config.toml")
	if fc.LogLevel != nil || fc.TickInterval != nil {
		t.Errorf("expected zero fileConfig for missing file, got %+v", fc)
	}
}

func TestLoadFileMalformedFallsBackToZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("this is not = valid [[[ toml"), 0o600); err != nil {
		t.Fatal(err)
	}
	fc := loadFile(path)
	if fc.LogLevel != nil {
		t.Errorf("expected zero fileConfig for malformed TOML, got %+v", fc)
	}
}

func TestLoadUsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `tick_interval = "10m"
lease_name = "file-lease"
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_TICK_INTERVAL", "")
	t.Setenv("MIGRATOR_LEASE_NAME", "")

	cfg := Load()

	if cfg.TickInterval != 10*time.Minute {
		t.Errorf("TickInterval = %s, want 10m", cfg.TickInterval)
	}
	if cfg.LeaseName != "file-lease" {
		t.Errorf("LeaseName = %q, want %q", cfg.LeaseName, "file-lease")
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_LOG_LEVEL", "")
	t.Setenv("MIGRATOR_TICK_INTERVAL", "")

	cfg := Load()

	configPath := filepath.Join(dir, "config.toml")
	data, err := os.ReadFile(configPath) //nolint:gosec // test file, path is from t.TempDir()
	if err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "# log_level") {
		t.Error("expected config file to contain '# log_level'")
	}
	if !strings.Contains(content, "# tick_interval") {
		t.Error("expected config file to contain '# tick_interval'")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.TickInterval != 5*time.Minute {
		t.Errorf("TickInterval = %s, want 5m default", cfg.TickInterval)
	}
}

func TestLoadDoesNotOverwriteExistingConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	original := `log_level = "warn"
`
	if err := os.WriteFile(configPath, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_LOG_LEVEL", "")

	cfg := Load()

	data, err := os.ReadFile(configPath) //nolint:gosec // test file, path is from t.TempDir()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != original {
		t.Errorf("config file was overwritten: got %q", string(data))
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `log_level = "warn"
tick_interval = "10m"
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_LOG_LEVEL", "debug")
	t.Setenv("MIGRATOR_TICK_INTERVAL", "1m")

	cfg := Load()

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.TickInterval != 1*time.Minute {
		t.Errorf("TickInterval = %s, want 1m", cfg.TickInterval)
	}
}

func TestLoadRetryAndThrottleDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_DEFAULT_MAX_RETRIES", "")
	t.Setenv("MIGRATOR_DEFAULT_RETRY_INTERVAL_SEC", "")
	t.Setenv("MIGRATOR_THROTTLE_HARD_CAP", "")

	cfg := Load()
	if cfg.DefaultMaxRetries != 3 {
		t.Errorf("DefaultMaxRetries = %d, want 3", cfg.DefaultMaxRetries)
	}
	if cfg.DefaultRetryIntervalSec != 30 {
		t.Errorf("DefaultRetryIntervalSec = %d, want 30", cfg.DefaultRetryIntervalSec)
	}
	if cfg.ThrottleHardCap != 10 {
		t.Errorf("ThrottleHardCap = %d, want 10", cfg.ThrottleHardCap)
	}
}

func TestLoadThrottleHardCapFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `throttle_hard_cap = 20
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_THROTTLE_HARD_CAP", "")

	cfg := Load()
	if cfg.ThrottleHardCap != 20 {
		t.Errorf("ThrottleHardCap = %d, want 20", cfg.ThrottleHardCap)
	}
}

func TestLoadOrchestratorTuning(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_ORCHESTRATOR_PREFETCH", "50")
	t.Setenv("MIGRATOR_ORCHESTRATOR_POLL_EVERY", "5s")

	cfg := Load()
	if cfg.OrchestratorPrefetch != 50 {
		t.Errorf("OrchestratorPrefetch = %d, want 50", cfg.OrchestratorPrefetch)
	}
	if cfg.OrchestratorPollEvery != 5*time.Second {
		t.Errorf("OrchestratorPollEvery = %s, want 5s", cfg.OrchestratorPollEvery)
	}
}

func TestLoadLeaseTuning(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIGRATOR_DATA_DIR", dir)
	t.Setenv("MIGRATOR_LEASE_TTL", "1h")
	t.Setenv("MIGRATOR_LEASE_RENEW_INTERVAL", "5m")
	t.Setenv("MIGRATOR_CATCH_UP_WINDOW", "48h")

	cfg := Load()
	if cfg.LeaseTTL != time.Hour {
		t.Errorf("LeaseTTL = %s, want 1h", cfg.LeaseTTL)
	}
	if cfg.LeaseRenewInterval != 5*time.Minute {
		t.Errorf("LeaseRenewInterval = %s, want 5m", cfg.LeaseRenewInterval)
	}
	if cfg.CatchUpWindow != 48*time.Hour {
		t.Errorf("CatchUpWindow = %s, want 48h", cfg.CatchUpWindow)
	}
}

func TestLoadFallsBackToCurrentUserHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIGRATOR_DATA_DIR", "")
	t.Setenv("HOME", "")

	originalHomeFn := osUserHomeDir
	originalCurrentFn := osCurrentUser
	t.Cleanup(func() {
		osUserHomeDir = originalHomeFn
		osCurrentUser = originalCurrentFn
	})

	osUserHomeDir = func() (string, error) {
		return "", errors.New("home unavailable")
	}
	osCurrentUser = func() (*user.User, error) {
		return &user.User{HomeDir: dir}, nil
	}

	cfg := Load()
	want := filepath.Join(dir, ".tenantmigrator")
	if cfg.DataDir != want {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, want)
	}
}

func TestLoadFallsBackToTempDirWhenHomeUnavailable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIGRATOR_DATA_DIR", "")
	t.Setenv("HOME", "")

	originalHomeFn := osUserHomeDir
	originalCurrentFn := osCurrentUser
	originalGeteuidFn := osGeteuid
	originalTempDirFn := osTempDir
	t.Cleanup(func() {
		osUserHomeDir = originalHomeFn
		osCurrentUser = originalCurrentFn
		osGeteuid = originalGeteuidFn
		osTempDir = originalTempDirFn
	})

	osUserHomeDir = func() (string, error) {
		return "", errors.New("home unavailable")
	}
	osCurrentUser = func() (*user.User, error) {
		return nil, errors.New("user unavailable")
	}
	osGeteuid = func() int {
		return 1000
	}
	osTempDir = func() string {
		return dir
	}

	cfg := Load()
	want := filepath.Join(dir, "tenantmigrator")
	if cfg.DataDir != want {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, want)
	}
}

func TestEnvOrFileStringFallback(t *testing.T) {
	t.Setenv("TEST_STRING_KEY_UNSET", "")
	got := envOrFileString("TEST_STRING_KEY_UNSET", nil, "fallback")
	if got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestEnvOrFileDurationInvalid(t *testing.T) {
	t.Parallel()
	bogus := "not-a-duration"
	got := envOrFileDuration("TEST_DURATION_KEY_UNSET", &bogus, time.Minute)
	if got != time.Minute {
		t.Fatalf("got %s, want fallback 1m", got)
	}
}

func TestEnvOrFileIntInvalid(t *testing.T) {
	t.Parallel()
	zero := 0
	got := envOrFileInt("TEST_INT_KEY_UNSET", &zero, 7)
	if got != 7 {
		t.Fatalf("got %d, want fallback 7", got)
	}
}
