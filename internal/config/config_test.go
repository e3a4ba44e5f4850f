package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Agent.StatusReportIntervalSec != 30 {
		t.Errorf("status interval = %d, want 30", c.Agent.StatusReportIntervalSec)
	}
	if c.HTTPClient.RequestTimeoutSec != 15 {
		t.Errorf("request timeout = %d, want 15", c.HTTPClient.RequestTimeoutSec)
	}
	if c.CommandExecutor.DefaultTimeoutSec != 300 {
		t.Errorf("command timeout = %d, want 300", c.CommandExecutor.DefaultTimeoutSec)
	}
	if c.CommandExecutor.MaxParallelCommands != 2 {
		t.Errorf("max parallel = %d, want 2", c.CommandExecutor.MaxParallelCommands)
	}
	if c.Agent.UpdateCheckIntervalSec != 6*60*60 {
		t.Errorf("update check interval = %d, want 21600", c.Agent.UpdateCheckIntervalSec)
	}
	if c.WebSocket.ReconnectAttemptsMax != nil {
		t.Error("reconnect attempts should default to unlimited (nil)")
	}
	want := "utf-8"
	if runtime.GOOS == "windows" {
		want = "cp1252"
	}
	if c.CommandExecutor.ConsoleEncoding != want {
		t.Errorf("console encoding = %q, want %q", c.CommandExecutor.ConsoleEncoding, want)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.StatusReportIntervalSec != 30 {
		t.Errorf("missing file should yield defaults, got interval %d", cfg.Agent.StatusReportIntervalSec)
	}
}

func TestLoadOverridesAndPartialFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_config.json")
	doc := `{
		"server_url": "https://fleet.example.com",
		"agent": {"status_report_interval_sec": 10, "config_version": 1},
		"websocket": {"reconnect_attempts_max": 5}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "https://fleet.example.com" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Agent.StatusReportIntervalSec != 10 {
		t.Errorf("interval = %d, want 10", cfg.Agent.StatusReportIntervalSec)
	}
	// Untouched sections keep defaults.
	if cfg.CommandExecutor.MaxQueueSize != 20 {
		t.Errorf("queue size = %d, want default 20", cfg.CommandExecutor.MaxQueueSize)
	}
	if cfg.WebSocket.ReconnectAttemptsMax == nil || *cfg.WebSocket.ReconnectAttemptsMax != 5 {
		t.Errorf("reconnect attempts = %v, want 5", cfg.WebSocket.ReconnectAttemptsMax)
	}
}

func TestMigrationBacksUpAndBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_config.json")
	doc := `{
		"server_url": "https://fleet.example.com",
		"agent": {"config_version": 0},
		"custom_extension": {"keep": "me"}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	var warned []string
	cfg, err := Load(path, func(msg string) { warned = append(warned, msg) })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ConfigVersion != CurrentConfigVersion {
		t.Errorf("config_version = %d, want %d", cfg.Agent.ConfigVersion, CurrentConfigVersion)
	}
	if len(warned) == 0 {
		t.Error("migration should raise a warning")
	}

	backups, err := filepath.Glob(path + ".backup_*")
	if err != nil || len(backups) != 1 {
		t.Fatalf("backup files = %v, want exactly one", backups)
	}
	original, err := os.ReadFile(backups[0])
	if err != nil || string(original) != doc {
		t.Error("backup should hold the pre-migration document verbatim")
	}

	// The rewritten file keeps unknown keys and carries the new version.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rewritten map[string]any
	if err := json.Unmarshal(raw, &rewritten); err != nil {
		t.Fatalf("rewritten config is not valid JSON: %v", err)
	}
	if _, ok := rewritten["custom_extension"]; !ok {
		t.Error("migration dropped unknown key custom_extension")
	}
	agent := rewritten["agent"].(map[string]any)
	if int(agent["config_version"].(float64)) != CurrentConfigVersion {
		t.Errorf("on-disk config_version = %v", agent["config_version"])
	}
}

func TestNewerVersionAcceptedWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_config.json")
	doc := `{"server_url": "https://fleet.example.com", "agent": {"config_version": 99}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	var warned []string
	cfg, err := Load(path, func(msg string) { warned = append(warned, msg) })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ConfigVersion != 99 {
		t.Errorf("config_version = %d, want 99 preserved", cfg.Agent.ConfigVersion)
	}
	if len(warned) != 1 || !strings.Contains(warned[0], "newer") {
		t.Errorf("warnings = %v, want one newer-version notice", warned)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.ServerURL = "https://fleet.example.com"
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c.ServerURL = ""
	c.CommandExecutor.MaxParallelCommands = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"server_url", "max_parallel_commands"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	c := Default()
	if c.RequestTimeout() != 15*time.Second {
		t.Errorf("RequestTimeout() = %s", c.RequestTimeout())
	}
	if c.StatusReportInterval() != 30*time.Second {
		t.Errorf("StatusReportInterval() = %s", c.StatusReportInterval())
	}
	if c.CommandTimeout() != 300*time.Second {
		t.Errorf("CommandTimeout() = %s", c.CommandTimeout())
	}
	c.Agent.UpdateCheckIntervalSec = 0
	if c.UpdateCheckInterval() != 0 {
		t.Errorf("UpdateCheckInterval() = %s, want 0 (disabled)", c.UpdateCheckInterval())
	}
}
