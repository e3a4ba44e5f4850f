// Package config loads the agent's JSON configuration file, applies
// defaults, validates, and migrates older config versions in place with a
// timestamped backup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
)

// CurrentConfigVersion is the migration target for on-disk config files.
const CurrentConfigVersion = 1

// Config is the parsed agent configuration. Only keys the agent consumes
// are modeled; unknown keys in the file are preserved across migration.
type Config struct {
	ServerURL string `json:"server_url"`

	Agent struct {
		AppName                 string `json:"app_name"`
		StatusReportIntervalSec int    `json:"status_report_interval_sec"`
		StateFilename           string `json:"state_filename"`
		ConfigVersion           int    `json:"config_version"`
		UpdateCheckIntervalSec  int    `json:"update_check_interval_sec"`
		MetricsListenAddr       string `json:"metrics_listen_addr"`
	} `json:"agent"`

	HTTPClient struct {
		RequestTimeoutSec int `json:"request_timeout_sec"`
	} `json:"http_client"`

	WebSocket struct {
		ReconnectDelayInitialSec int  `json:"reconnect_delay_initial_sec"`
		ReconnectDelayMaxSec     int  `json:"reconnect_delay_max_sec"`
		ReconnectAttemptsMax     *int `json:"reconnect_attempts_max"` // nil = infinite
	} `json:"websocket"`

	CommandExecutor struct {
		DefaultTimeoutSec   int    `json:"default_timeout_sec"`
		MaxParallelCommands int    `json:"max_parallel_commands"`
		MaxQueueSize        int    `json:"max_queue_size"`
		ConsoleEncoding     string `json:"console_encoding"`
	} `json:"command_executor"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	c := &Config{}
	c.Agent.AppName = "CMSAgent"
	c.Agent.StatusReportIntervalSec = 30
	c.Agent.StateFilename = "agent_state.json"
	c.Agent.ConfigVersion = CurrentConfigVersion
	c.Agent.UpdateCheckIntervalSec = 6 * 60 * 60
	c.HTTPClient.RequestTimeoutSec = 15
	c.WebSocket.ReconnectDelayInitialSec = 5
	c.WebSocket.ReconnectDelayMaxSec = 60
	c.CommandExecutor.DefaultTimeoutSec = 300
	c.CommandExecutor.MaxParallelCommands = 2
	c.CommandExecutor.MaxQueueSize = 20
	if runtime.GOOS == "windows" {
		c.CommandExecutor.ConsoleEncoding = "cp1252"
	} else {
		c.CommandExecutor.ConsoleEncoding = "utf-8"
	}
	return c
}

// Load reads the config file at path, migrating it in place when its
// config_version is older than CurrentConfigVersion. A missing file yields
// the defaults. warn receives human-readable notices (newer version
// accepted, migration performed) so the caller can log them.
func Load(path string, warn func(msg string)) (*Config, error) {
	if warn == nil {
		warn = func(string) {}
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	switch {
	case cfg.Agent.ConfigVersion < CurrentConfigVersion:
		if err := migrate(path, raw, cfg); err != nil {
			return nil, err
		}
		warn(fmt.Sprintf("config migrated from version %d to %d",
			cfg.Agent.ConfigVersion, CurrentConfigVersion))
		cfg.Agent.ConfigVersion = CurrentConfigVersion
	case cfg.Agent.ConfigVersion > CurrentConfigVersion:
		warn(fmt.Sprintf("config version %d is newer than supported %d, continuing",
			cfg.Agent.ConfigVersion, CurrentConfigVersion))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// migrate backs up the existing file and rewrites it at the current
// version. Refuses to touch the original if the backup cannot be written.
func migrate(path string, raw []byte, cfg *Config) error {
	backup := fmt.Sprintf("%s.backup_%s", path, time.Now().Format("20060102_150405"))
	if err := os.WriteFile(backup, raw, 0o600); err != nil {
		return fmt.Errorf("config backup failed, refusing to migrate: %w", err)
	}

	// Preserve unknown keys: rewrite on top of the original document with
	// only the version bumped.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("reparse config for migration: %w", err)
	}
	agent, _ := doc["agent"].(map[string]any)
	if agent == nil {
		agent = map[string]any{}
		doc["agent"] = agent
	}
	agent["config_version"] = CurrentConfigVersion

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migrated config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write migrated config: %w", err)
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url must be set"))
	}
	if c.Agent.StatusReportIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("agent.status_report_interval_sec must be > 0, got %d", c.Agent.StatusReportIntervalSec))
	}
	if c.HTTPClient.RequestTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("http_client.request_timeout_sec must be > 0, got %d", c.HTTPClient.RequestTimeoutSec))
	}
	if c.CommandExecutor.DefaultTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("command_executor.default_timeout_sec must be > 0, got %d", c.CommandExecutor.DefaultTimeoutSec))
	}
	if c.CommandExecutor.MaxParallelCommands <= 0 {
		errs = append(errs, fmt.Errorf("command_executor.max_parallel_commands must be > 0, got %d", c.CommandExecutor.MaxParallelCommands))
	}
	if c.CommandExecutor.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("command_executor.max_queue_size must be > 0, got %d", c.CommandExecutor.MaxQueueSize))
	}
	if c.WebSocket.ReconnectDelayInitialSec <= 0 {
		errs = append(errs, fmt.Errorf("websocket.reconnect_delay_initial_sec must be > 0, got %d", c.WebSocket.ReconnectDelayInitialSec))
	}
	if c.WebSocket.ReconnectDelayMaxSec < c.WebSocket.ReconnectDelayInitialSec {
		errs = append(errs, errors.New("websocket.reconnect_delay_max_sec must be >= initial delay"))
	}
	return errors.Join(errs...)
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTPClient.RequestTimeoutSec) * time.Second
}

// StatusReportInterval returns the status reporter cadence.
func (c *Config) StatusReportInterval() time.Duration {
	return time.Duration(c.Agent.StatusReportIntervalSec) * time.Second
}

// UpdateCheckInterval returns the periodic update poll cadence; zero
// disables the periodic poll (startup check still runs).
func (c *Config) UpdateCheckInterval() time.Duration {
	return time.Duration(c.Agent.UpdateCheckIntervalSec) * time.Second
}

// CommandTimeout returns the subprocess timeout for command execution.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandExecutor.DefaultTimeoutSec) * time.Second
}
