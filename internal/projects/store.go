// Package projects keeps the operator's list of active projects in a
// markdown file of numbered lines ("1. Build REST API"). Ids are positions in
// the list, so the file is renumbered on every save and ids shift when an
// earlier project is completed.
package projects

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

var (
	// ErrNotFound means no project has the given id.
	ErrNotFound = errors.New("project not found")
	// ErrInvalidName means a project name is empty or spans lines.
	ErrInvalidName = errors.New("invalid project name")
)

// Project is one entry of the list. ID is its 1-based position.
type Project struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Store reads and rewrites one project file.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// New returns a store for path. The file is created on the first Add.
func New(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the project file path.
func (s *Store) Path() string { return s.path }

// List returns the projects in file order.
func (s *Store) List() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Add appends a project and returns it with its id.
func (s *Store) Add(name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return Project{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	var added Project
	err := s.update(func(list []Project) ([]Project, error) {
		added = Project{ID: len(list) + 1, Name: name}
		return append(list, added), nil
	})
	return added, err
}

// Remove completes the project with the given id. Later projects move up
// one place.
func (s *Store) Remove(id int) (Project, error) {
	var removed Project
	err := s.update(func(list []Project) ([]Project, error) {
		if id < 1 || id > len(list) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		removed = list[id-1]
		return append(list[:id-1], list[id:]...), nil
	})
	return removed, err
}

// update runs a read-modify-write cycle under the file lock, so a second
// orchestrator process or an operator's editor save cannot interleave.
func (s *Store) update(fn func([]Project) ([]Project, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer func() { _ = s.lock.Unlock() }()

	list, err := s.load()
	if err != nil {
		return err
	}
	list, err = fn(list)
	if err != nil {
		return err
	}
	return s.save(list)
}

func (s *Store) load() ([]Project, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects: %w", err)
	}
	return Parse(string(data)), nil
}

func (s *Store) save(list []Project) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Format(list)), 0o644); err != nil {
		return fmt.Errorf("write projects: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace projects: %w", err)
	}
	return nil
}

// Parse reads numbered lines. Anything else (headings, bullets, prose) is
// skipped, and ids are reassigned by position.
func Parse(content string) []Project {
	var list []Project
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		digits := len(line) - len(strings.TrimLeft(line, "0123456789"))
		if digits == 0 {
			continue
		}
		if _, err := strconv.Atoi(line[:digits]); err != nil {
			continue
		}
		name, ok := strings.CutPrefix(line[digits:], ". ")
		if !ok {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			list = append(list, Project{ID: len(list) + 1, Name: name})
		}
	}
	return list
}

// Format renders list renumbered from 1, one project per line.
func Format(list []Project) string {
	var sb strings.Builder
	for i, p := range list {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, p.Name)
	}
	return sb.String()
}
