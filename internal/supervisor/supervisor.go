// Package supervisor runs the agent fleet: it spawns and kills agent
// sessions, delivers input, and periodically refreshes every agent's health.
//
// The registry is the only shared mutable state. Spawn and kill reserve under
// the registry lock, talk to the session backend without it, then commit or
// roll back.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/omar/internal/agent"
	"github.com/Dicklesworthstone/omar/internal/correlate"
	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/health"
	"github.com/Dicklesworthstone/omar/internal/projects"
	"github.com/Dicklesworthstone/omar/internal/registry"
	"github.com/Dicklesworthstone/omar/internal/sandbox"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

var (
	// ErrSandboxLaunch means the container runtime rejected or immediately
	// killed a sandboxed launch.
	ErrSandboxLaunch = errors.New("sandbox launch failed")
	// ErrInvalidRequest marks malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Session environment variables set for every agent.
const (
	EnvAgentID    = "OMAR_AGENT_ID"
	EnvAgentToken = "OMAR_AGENT_TOKEN"
	EnvAPIURL     = "OMAR_API_URL"
)

// Config holds supervisor configuration.
type Config struct {
	SessionPrefix   string        // prepended to agent ids to form tmux session names
	AutoNamePrefix  string        // Default: "worker-"
	RefreshInterval time.Duration // Default: 2s
	CaptureTimeout  time.Duration // Default: 3s
	Parallelism     int           // Default: 8
	DetailLines     int           // Default: 200
	DefaultCommand  string
	DefaultWorkdir  string
	TaskDelay       time.Duration // Default: 2s
	LaunchGrace     time.Duration // Default: 1s
	Sandbox         sandbox.Config
	StateDir        string
	APIURL          string
	// MemoryFile receives a human-readable fleet snapshot after each cycle
	// that changed something. Empty disables it.
	MemoryFile string
	// ProjectsFile holds the operator's numbered project list. Default:
	// tasks.md in StateDir, or none when StateDir is empty.
	ProjectsFile string
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Backend    tmux.Backend
	Registry   *registry.Registry
	Classifier *health.Classifier
	Resolver   *correlate.Resolver
	Runtime    sandbox.Runtime
	Emitter    *events.EventEmitter
	Logger     *slog.Logger
	Now        func() time.Time
}

// Supervisor orchestrates the fleet.
type Supervisor struct {
	cfg        Config
	backend    tmux.Backend
	reg        *registry.Registry
	resolver   *correlate.Resolver
	runtime    sandbox.Runtime
	emitter    *events.EventEmitter
	logger     *slog.Logger
	now        func() time.Time
	classifier atomic.Pointer[health.Classifier]
	projects   *projects.Store

	statesMu sync.Mutex
	states   map[string]agent.State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("session backend required")
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Classifier == nil {
		c, err := health.New(health.DefaultConfig())
		if err != nil {
			return nil, err
		}
		deps.Classifier = c
	}
	if deps.Resolver == nil {
		r, err := correlate.New(correlate.DefaultConfig())
		if err != nil {
			return nil, err
		}
		deps.Resolver = r
	}
	if deps.Runtime == nil {
		deps.Runtime = &sandbox.Docker{Pull: true}
	}
	if deps.Emitter == nil {
		deps.Emitter = events.NewEventEmitter(events.NewEventBus(100), 256)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	// Set defaults
	if cfg.AutoNamePrefix == "" {
		cfg.AutoNamePrefix = "worker-"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 3 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.DetailLines <= 0 {
		cfg.DetailLines = 200
	}
	if cfg.DefaultCommand == "" {
		cfg.DefaultCommand = "claude --dangerously-skip-permissions"
	}
	if cfg.DefaultWorkdir == "" {
		cfg.DefaultWorkdir = "."
	}
	if cfg.TaskDelay < 0 {
		cfg.TaskDelay = 0
	}
	if cfg.LaunchGrace <= 0 {
		cfg.LaunchGrace = time.Second
	}
	if cfg.ProjectsFile == "" && cfg.StateDir != "" {
		cfg.ProjectsFile = filepath.Join(cfg.StateDir, "tasks.md")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		backend:  deps.Backend,
		reg:      deps.Registry,
		resolver: deps.Resolver,
		runtime:  deps.Runtime,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		now:      deps.Now,
		states:   make(map[string]agent.State),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.classifier.Store(deps.Classifier)
	if cfg.ProjectsFile != "" {
		s.projects = projects.New(cfg.ProjectsFile)
	}
	return s, nil
}

// Start verifies the session backend is reachable. Failure here is the only
// fatal backend error.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		if !errors.Is(err, tmux.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", tmux.ErrBackendUnavailable, err)
		}
		return fmt.Errorf("session backend: %w", err)
	}
	if s.cfg.Sandbox.Enabled {
		if err := s.runtime.Check(ctx, s.cfg.Sandbox.Image); err != nil {
			s.logger.Warn("sandbox runtime not ready; sandboxed spawns will fail until it is", "err", err)
		}
	}
	s.emitter.Start()
	return nil
}

// Close stops background task delivery and flushes pending events.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
	s.emitter.Close()
}

// Registry exposes the underlying registry.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Projects returns the project list, or nil when none is configured.
func (s *Supervisor) Projects() *projects.Store { return s.projects }

// Bus returns the event bus observers subscribe to.
func (s *Supervisor) Bus() *events.EventBus { return s.emitter.Bus() }

// Classifier returns the active classifier.
func (s *Supervisor) Classifier() *health.Classifier { return s.classifier.Load() }

// SetClassifier swaps the classifier, as on a configuration reload. The next
// observation uses the new one.
func (s *Supervisor) SetClassifier(c *health.Classifier) {
	if c != nil {
		s.classifier.Store(c)
	}
}

func (s *Supervisor) handle(id string) string {
	return s.cfg.SessionPrefix + id
}

func (s *Supervisor) emit(typ, id, from, to string, data map[string]any) {
	s.emitter.Emit(events.NewAgentEvent(typ, id, from, to, data))
}

// absWorkdir expands ~ and makes dir absolute.
func absWorkdir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}
