package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/omar/internal/projects"
)

// memorySnapshot is the informational fleet file. Nothing reads it back.
type memorySnapshot struct {
	GeneratedAt time.Time          `yaml:"generated_at"`
	Fleet       Fleet              `yaml:"fleet"`
	Projects    []projects.Project `yaml:"projects,omitempty"`
}

// writeMemory replaces MemoryFile with the current fleet. Failures are
// logged only.
func (s *Supervisor) writeMemory() {
	path := s.cfg.MemoryFile
	if path == "" {
		return
	}
	snap := memorySnapshot{GeneratedAt: s.now().UTC(), Fleet: s.List()}
	if s.projects != nil {
		list, err := s.projects.List()
		if err != nil {
			s.logger.Warn("read projects for memory snapshot", "err", err)
		}
		snap.Projects = list
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		s.logger.Warn("encode memory snapshot", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("create memory dir", "err", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("write memory snapshot", "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("replace memory snapshot", "err", err)
	}
}
