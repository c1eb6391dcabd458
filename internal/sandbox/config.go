// Package sandbox decides how an agent command is launched: directly, or
// wrapped in a locked-down container. It never enforces isolation itself;
// enforcement belongs to the container runtime.
package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Network modes accepted by Config.Network.
const (
	NetworkNone   = "none"
	NetworkBridge = "bridge"
	NetworkHost   = "host"
)

// Limits are the container resource ceilings.
type Limits struct {
	Memory    string  `toml:"memory" json:"memory" yaml:"memory"`
	CPUs      float64 `toml:"cpus" json:"cpus" yaml:"cpus"`
	PidsLimit int     `toml:"pids_limit" json:"pids_limit" yaml:"pids_limit"`
}

// Config is the [sandbox] configuration section.
type Config struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Image       string `toml:"image" json:"image" yaml:"image"`
	Network     string `toml:"network" json:"network" yaml:"network"`
	User        string `toml:"user" json:"user,omitempty" yaml:"user,omitempty"` // "uid:gid", empty keeps the image default
	Scratch     string `toml:"scratch" json:"scratch" yaml:"scratch"`
	ScratchSize string `toml:"scratch_size" json:"scratch_size" yaml:"scratch_size"`
	Limits      Limits `toml:"limits" json:"limits" yaml:"limits"`

	// CredentialDir is mounted read-only; empty means ~/.claude.
	CredentialDir string `toml:"credential_dir" json:"credential_dir,omitempty" yaml:"credential_dir,omitempty"`
	// ProtectedPaths are added to the built-in list of paths no mount may
	// expose.
	ProtectedPaths []string `toml:"protected_paths" json:"protected_paths,omitempty" yaml:"protected_paths,omitempty"`
}

// DefaultConfig returns the sandbox defaults. Sandboxing is opt-in.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Image:       "ubuntu:22.04",
		Network:     NetworkBridge,
		Scratch:     "/tmp",
		ScratchSize: "512m",
		Limits: Limits{
			Memory:    "4g",
			CPUs:      2,
			PidsLimit: 256,
		},
	}
}

var (
	// ErrInvalidNetwork is returned for a network mode other than none, bridge or host.
	ErrInvalidNetwork = errors.New("invalid sandbox network mode")
	// ErrForbiddenMount is returned when a mount would expose a protected path.
	ErrForbiddenMount = errors.New("mount exposes a protected path")
	// ErrBinaryUnresolved is returned when the agent binary has no host path.
	ErrBinaryUnresolved = errors.New("agent binary could not be resolved")
	// ErrInvalidMount is returned for relative or empty mount sources.
	ErrInvalidMount = errors.New("invalid mount source")
)

// ValidateConfig checks the sandbox section.
func ValidateConfig(cfg Config) error {
	switch cfg.Network {
	case NetworkNone, NetworkBridge, NetworkHost:
	default:
		return fmt.Errorf("%w: %q (want none, bridge or host)", ErrInvalidNetwork, cfg.Network)
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return errors.New("sandbox image must not be empty")
	}
	if cfg.Limits.CPUs <= 0 {
		return fmt.Errorf("sandbox cpus must be positive, got %v", cfg.Limits.CPUs)
	}
	if cfg.Limits.PidsLimit <= 0 {
		return fmt.Errorf("sandbox pids_limit must be positive, got %d", cfg.Limits.PidsLimit)
	}
	if strings.TrimSpace(cfg.Limits.Memory) == "" {
		return errors.New("sandbox memory limit must not be empty")
	}
	if !strings.HasPrefix(cfg.Scratch, "/") {
		return fmt.Errorf("sandbox scratch must be an absolute path, got %q", cfg.Scratch)
	}
	return nil
}
