// Package registry is the single owned store of live agent records. All
// mutation happens under one lock; readers receive copies.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

var (
	ErrNotFound      = errors.New("agent not found")
	ErrDuplicateID   = errors.New("agent id already in use")
	ErrUnknownParent = errors.New("parent is not a live agent")
	ErrCycleDetected = errors.New("reassignment would create a cycle")
	ErrNotReserved   = errors.New("agent id was not reserved")
)

// Registry holds live agents keyed by id.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*agent.Record
	reserved map[string]struct{}
	removing map[string]*agent.Record
	targets  map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records:  make(map[string]*agent.Record),
		reserved: make(map[string]struct{}),
		removing: make(map[string]*agent.Record),
		targets:  make(map[string]*sync.Mutex),
	}
}

// taken reports whether id is live, reserved or being removed. Caller holds mu.
func (r *Registry) taken(id string) bool {
	if _, ok := r.records[id]; ok {
		return true
	}
	if _, ok := r.reserved[id]; ok {
		return true
	}
	_, ok := r.removing[id]
	return ok
}

// Reserve claims id for an in-flight spawn.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.reserved[id] = struct{}{}
	return nil
}

// Release drops a reservation without creating a record.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, id)
}

// Commit turns a reservation into a live record. A parent that disappeared
// since the reservation is cleared; the stored record is returned.
func (r *Registry) Commit(rec agent.Record) (agent.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reserved[rec.ID]; !ok {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotReserved, rec.ID)
	}
	delete(r.reserved, rec.ID)
	return r.insert(rec), nil
}

// Register adds a record in one step.
func (r *Registry) Register(rec agent.Record) (agent.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(rec.ID) {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	return r.insert(rec), nil
}

// insert stores rec. Caller holds mu.
func (r *Registry) insert(rec agent.Record) agent.Record {
	if rec.ParentID != "" {
		if _, ok := r.records[rec.ParentID]; !ok || rec.ParentID == rec.ID {
			rec.ParentID = ""
		}
	}
	stored := rec
	r.records[rec.ID] = &stored
	return stored
}

// Get returns a copy of the live record with the given id.
func (r *Registry) Get(id string) (agent.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *rec, nil
}

// ByToken finds the live record holding an identity token.
func (r *Registry) ByToken(token string) (agent.Record, bool) {
	if token == "" {
		return agent.Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Token == token {
			return *rec, true
		}
	}
	return agent.Record{}, false
}

// UpdateActivity advances LastActivity. Older timestamps are ignored.
func (r *Registry) UpdateActivity(id string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ts.After(rec.LastActivity) {
		rec.LastActivity = ts
	}
	return nil
}

// SetAttached records whether an operator client is attached.
func (r *Registry) SetAttached(id string, attached bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Attached = attached
	return nil
}

// Observe stores the latest capture for id and returns the previous one.
func (r *Registry) Observe(id string, obs agent.Observation) (agent.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return agent.Observation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := rec.Observation
	rec.Observation = obs
	return prev, nil
}

// ReassignParent sets id's parent. An empty parent moves id to the
// unassigned bucket.
func (r *Registry) ReassignParent(id, parent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if parent == "" {
		rec.ParentID = ""
		return nil
	}
	if _, ok := r.records[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParent, parent)
	}
	if r.descendsFrom(parent, id) {
		return fmt.Errorf("%w: %s is %s or one of its descendants", ErrCycleDetected, parent, id)
	}
	rec.ParentID = parent
	return nil
}

// descendsFrom reports whether node is ancestor or node itself lies below
// ancestor. Caller holds mu.
func (r *Registry) descendsFrom(node, ancestor string) bool {
	for steps := 0; node != "" && steps <= len(r.records); steps++ {
		if node == ancestor {
			return true
		}
		rec, ok := r.records[node]
		if !ok {
			return false
		}
		node = rec.ParentID
	}
	return false
}

// BeginRemove hides id from readers while its session is torn down. A
// second BeginRemove for the same id fails with ErrNotFound.
func (r *Registry) BeginRemove(id string) (agent.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	r.removing[id] = rec
	return *rec, nil
}

// CommitRemove finishes a BeginRemove.
func (r *Registry) CommitRemove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removing, id)
	r.detach(id)
}

// AbortRemove restores a record whose teardown failed.
func (r *Registry) AbortRemove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.removing[id]; ok {
		delete(r.removing, id)
		r.records[id] = rec
	}
}

// Remove deletes id at once, as when its session vanished on its own.
func (r *Registry) Remove(id string) (agent.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return agent.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	r.detach(id)
	return *rec, nil
}

// detach clears references to a removed id. Caller holds mu.
func (r *Registry) detach(id string) {
	delete(r.targets, id)
	for _, rec := range r.records {
		if rec.ParentID == id {
			rec.ParentID = ""
		}
	}
}

// Snapshot returns copies of all live records ordered by creation time.
func (r *Registry) Snapshot() []agent.Record {
	r.mu.RLock()
	out := make([]agent.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// Children returns the live records whose parent is id.
func (r *Registry) Children(id string) []agent.Record {
	return r.filter(func(rec *agent.Record) bool { return rec.ParentID == id })
}

func (r *Registry) filter(keep func(*agent.Record) bool) []agent.Record {
	r.mu.RLock()
	var out []agent.Record
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// LockTarget serializes input delivery to one agent. The returned function
// releases the lock.
func (r *Registry) LockTarget(id string) (func(), error) {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m, ok := r.targets[id]
	if !ok {
		m = &sync.Mutex{}
		r.targets[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

func sortRecords(recs []agent.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
