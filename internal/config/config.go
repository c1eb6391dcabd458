// Package config loads omar's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/omar/internal/correlate"
	"github.com/Dicklesworthstone/omar/internal/health"
	"github.com/Dicklesworthstone/omar/internal/sandbox"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
)

// Config represents the main configuration
type Config struct {
	Refresh     RefreshConfig    `toml:"refresh"`
	Health      HealthConfig     `toml:"health"`
	Agent       AgentConfig      `toml:"agent"`
	API         APIConfig        `toml:"api"`
	Sandbox     sandbox.Config   `toml:"sandbox"`
	Correlation correlate.Config `toml:"correlation"`
	State       StateConfig      `toml:"state"`
}

// RefreshConfig controls the refresh loop.
type RefreshConfig struct {
	Interval      int    `toml:"interval"`       // seconds between cycles
	SessionPrefix string `toml:"session_prefix"` // prepended to tmux session names
}

// HealthConfig controls classification.
type HealthConfig struct {
	IdleWarning     int      `toml:"idle_warning"`  // seconds
	IdleCritical    int      `toml:"idle_critical"` // seconds
	ErrorPatterns   []string `toml:"error_patterns"`
	WaitingPatterns []string `toml:"waiting_patterns"`
	WorkingPatterns []string `toml:"working_patterns"`
	TailLines       int      `toml:"tail_lines"`
	DetailLines     int      `toml:"detail_lines"`
	CaptureTimeout  int      `toml:"capture_timeout"` // seconds
	Parallelism     int      `toml:"parallelism"`
}

// AgentConfig holds spawn defaults.
type AgentConfig struct {
	DefaultCommand string `toml:"default_command"`
	DefaultWorkdir string `toml:"default_workdir"`
	TaskDelay      int    `toml:"task_delay"`   // seconds before the task is typed
	LaunchGrace    int    `toml:"launch_grace"` // seconds a sandboxed session must survive
}

// APIConfig configures the control surface.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StateConfig locates omar's own files.
type StateConfig struct {
	Dir string `toml:"dir"`
}

// Environment overrides, applied after the file.
const (
	EnvConfig         = "OMAR_CONFIG"
	EnvAPIHost        = "OMAR_API_HOST"
	EnvAPIPort        = "OMAR_API_PORT"
	EnvSandboxEnabled = "OMAR_SANDBOX_ENABLED"
	EnvStateDir       = "OMAR_STATE_DIR"
)

// DefaultPath returns the default config file path
func DefaultPath() string {
	if env := os.Getenv(EnvConfig); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "omar", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "omar", "config.toml")
}

// Default returns the default configuration
func Default() *Config {
	hc := health.DefaultConfig()
	return &Config{
		Refresh: RefreshConfig{Interval: 2},
		Health: HealthConfig{
			IdleWarning:     int(hc.IdleWarning / time.Second),
			IdleCritical:    int(hc.IdleCritical / time.Second),
			ErrorPatterns:   hc.ErrorPatterns,
			WaitingPatterns: hc.WaitingPatterns,
			WorkingPatterns: hc.WorkingPatterns,
			TailLines:       hc.TailLines,
			DetailLines:     200,
			CaptureTimeout:  3,
			Parallelism:     8,
		},
		Agent: AgentConfig{
			DefaultCommand: "claude --dangerously-skip-permissions",
			DefaultWorkdir: ".",
			TaskDelay:      2,
			LaunchGrace:    1,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7337,
		},
		Sandbox:     sandbox.DefaultConfig(),
		Correlation: correlate.DefaultConfig(),
		State:       StateConfig{Dir: "~/.omar"},
	}
}

// Load reads path (or DefaultPath when empty) over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.State.Dir = ExpandHome(cfg.State.Dir)
	cfg.Sandbox.CredentialDir = ExpandHome(cfg.Sandbox.CredentialDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv(EnvAPIHost); host != "" {
		cfg.API.Host = host
	}
	if port := os.Getenv(EnvAPIPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAPIPort, err)
		}
		cfg.API.Port = p
	}
	if enabled := os.Getenv(EnvSandboxEnabled); enabled != "" {
		cfg.Sandbox.Enabled = enabled == "1" || strings.EqualFold(enabled, "true")
	}
	if dir := os.Getenv(EnvStateDir); dir != "" {
		cfg.State.Dir = dir
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Refresh.Interval <= 0 {
		errs = append(errs, fmt.Errorf("refresh.interval must be positive, got %d", c.Refresh.Interval))
	}
	if c.Health.IdleWarning <= 0 {
		errs = append(errs, fmt.Errorf("health.idle_warning must be positive, got %d", c.Health.IdleWarning))
	}
	if c.Health.IdleCritical <= c.Health.IdleWarning {
		errs = append(errs, fmt.Errorf("health.idle_critical (%d) must exceed health.idle_warning (%d)",
			c.Health.IdleCritical, c.Health.IdleWarning))
	}
	if c.Health.TailLines <= 0 {
		errs = append(errs, fmt.Errorf("health.tail_lines must be positive, got %d", c.Health.TailLines))
	}
	if c.Health.DetailLines < c.Health.TailLines {
		errs = append(errs, fmt.Errorf("health.detail_lines (%d) must be at least health.tail_lines (%d)",
			c.Health.DetailLines, c.Health.TailLines))
	}
	if c.Health.CaptureTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health.capture_timeout must be positive, got %d", c.Health.CaptureTimeout))
	}
	if c.Health.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("health.parallelism must be positive, got %d", c.Health.Parallelism))
	}
	if c.Agent.TaskDelay < 0 {
		errs = append(errs, fmt.Errorf("agent.task_delay must not be negative, got %d", c.Agent.TaskDelay))
	}
	if c.Agent.LaunchGrace < 0 {
		errs = append(errs, fmt.Errorf("agent.launch_grace must not be negative, got %d", c.Agent.LaunchGrace))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	if strings.TrimSpace(c.State.Dir) == "" {
		errs = append(errs, errors.New("state.dir must not be empty"))
	}
	if err := sandbox.ValidateConfig(c.Sandbox); err != nil {
		errs = append(errs, err)
	}
	if err := c.Correlation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := health.New(c.HealthConfig()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HealthConfig converts the [health] section for the classifier.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		IdleWarning:     time.Duration(c.Health.IdleWarning) * time.Second,
		IdleCritical:    time.Duration(c.Health.IdleCritical) * time.Second,
		ErrorPatterns:   c.Health.ErrorPatterns,
		WaitingPatterns: c.Health.WaitingPatterns,
		WorkingPatterns: c.Health.WorkingPatterns,
		TailLines:       c.Health.TailLines,
	}
}

// SupervisorConfig converts the relevant sections for the supervisor.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		SessionPrefix:   c.Refresh.SessionPrefix,
		RefreshInterval: time.Duration(c.Refresh.Interval) * time.Second,
		CaptureTimeout:  time.Duration(c.Health.CaptureTimeout) * time.Second,
		Parallelism:     c.Health.Parallelism,
		DetailLines:     c.Health.DetailLines,
		DefaultCommand:  c.Agent.DefaultCommand,
		DefaultWorkdir:  ExpandHome(c.Agent.DefaultWorkdir),
		TaskDelay:       time.Duration(c.Agent.TaskDelay) * time.Second,
		LaunchGrace:     time.Duration(c.Agent.LaunchGrace) * time.Second,
		Sandbox:         c.Sandbox,
		StateDir:        c.State.Dir,
		APIURL:          c.APIURL(),
		MemoryFile:      filepath.Join(c.State.Dir, "memory.yaml"),
		ProjectsFile:    c.ProjectsPath(),
	}
}

// Addr is the control surface listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// APIURL is the base URL agents and CLI commands use to reach the control
// surface.
func (c *Config) APIURL() string {
	host := c.API.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.API.Port))
}

// LockPath is the single-orchestrator lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.State.Dir, "omar.lock")
}

// HistoryPath is the audit database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.State.Dir, "history.db")
}

// ProjectsPath is the operator's numbered project list.
func (c *Config) ProjectsPath() string {
	return filepath.Join(c.State.Dir, "tasks.md")
}

// Print writes the configuration as TOML.
func Print(cfg *Config, w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// ExpandHome expands ~/ to the user's home directory
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
