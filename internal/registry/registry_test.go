package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func rec(id string, role agent.Role, parent string, offset int) agent.Record {
	return agent.Record{
		ID:           id,
		Role:         role,
		ParentID:     parent,
		Handle:       id,
		CreatedAt:    t0.Add(time.Duration(offset) * time.Second),
		LastActivity: t0,
	}
}

func mustRegister(t *testing.T, r *Registry, records ...agent.Record) {
	t.Helper()
	for _, rc := range records {
		_, err := r.Register(rc)
		require.NoError(t, err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("w1", agent.RoleWorker, "", 0))
	before := r.Snapshot()

	_, err := r.Register(rec("w1", agent.RoleCommand, "", 5))
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, before, r.Snapshot(), "failed register must not change the registry")
}

func TestReserve_BlocksDuplicateUntilReleased(t *testing.T) {
	r := New()
	require.NoError(t, r.Reserve("w1"))
	require.ErrorIs(t, r.Reserve("w1"), ErrDuplicateID)
	_, err := r.Register(rec("w1", agent.RoleWorker, "", 0))
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 0, r.Len(), "reservations are not visible to readers")

	r.Release("w1")
	require.NoError(t, r.Reserve("w1"))
	stored, err := r.Commit(rec("w1", agent.RoleWorker, "", 0))
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.ID)
	assert.Equal(t, 1, r.Len())
}

func TestCommit_RequiresReservation(t *testing.T) {
	r := New()
	_, err := r.Commit(rec("w1", agent.RoleWorker, "", 0))
	require.ErrorIs(t, err, ErrNotReserved)
}

func TestCommit_ClearsVanishedParent(t *testing.T) {
	r := New()
	require.NoError(t, r.Reserve("w1"))
	stored, err := r.Commit(rec("w1", agent.RoleWorker, "gone", 0))
	require.NoError(t, err)
	assert.Empty(t, stored.ParentID)
}

func TestConcurrentReserve_OneWinner(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve("same") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// chain builds root -> c1 -> c2 -> ... -> c{depth}.
func chain(t *testing.T, r *Registry, depth int) []string {
	t.Helper()
	ids := []string{"root"}
	mustRegister(t, r, rec("root", agent.RoleManager, "", 0))
	for i := 1; i <= depth; i++ {
		id := fmt.Sprintf("c%d", i)
		mustRegister(t, r, rec(id, agent.RoleWorker, ids[len(ids)-1], i))
		ids = append(ids, id)
	}
	return ids
}

func TestReassignParent_CycleForEveryDescendant(t *testing.T) {
	for _, depth := range []int{3, 4, 6} {
		t.Run(fmt.Sprintf("depth=%d", depth), func(t *testing.T) {
			r := New()
			ids := chain(t, r, depth)
			// Add a side branch so the tree is not just a line.
			mustRegister(t, r, rec("side", agent.RoleWorker, "c1", 100))

			for i, id := range ids {
				for _, desc := range ids[i:] {
					err := r.ReassignParent(id, desc)
					require.ErrorIs(t, err, ErrCycleDetected, "reassign %s under %s", id, desc)
				}
			}
			require.ErrorIs(t, r.ReassignParent("c1", "side"), ErrCycleDetected)

			// Tree is unchanged after the rejections.
			got, err := r.Get("c2")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ParentID)
		})
	}
}

func TestReassignParent(t *testing.T) {
	r := New()
	mustRegister(t, r,
		rec("pm-api", agent.RoleManager, "", 0),
		rec("pm-db", agent.RoleManager, "", 1),
		rec("w1", agent.RoleWorker, "pm-api", 2),
	)

	require.NoError(t, r.ReassignParent("w1", "pm-db"))
	got, _ := r.Get("w1")
	assert.Equal(t, "pm-db", got.ParentID)

	require.ErrorIs(t, r.ReassignParent("w1", "ghost"), ErrUnknownParent)
	require.ErrorIs(t, r.ReassignParent("ghost", "pm-db"), ErrNotFound)

	require.NoError(t, r.ReassignParent("w1", ""))
	got, _ = r.Get("w1")
	assert.Empty(t, got.ParentID)
}

func TestRemove_OrphansReturnToUnassigned(t *testing.T) {
	r := New()
	mustRegister(t, r,
		rec("pm", agent.RoleManager, "", 0),
		rec("w1", agent.RoleWorker, "pm", 1),
		rec("w2", agent.RoleWorker, "pm", 2),
	)
	_, err := r.Remove("pm")
	require.NoError(t, err)

	for _, rc := range r.Snapshot() {
		assert.Empty(t, rc.ParentID, "%s still points at removed parent", rc.ID)
	}
	_, err = r.Remove("pm")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBeginRemove_SecondCallerGetsNotFound(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("w1", agent.RoleWorker, "", 0))

	_, err := r.BeginRemove("w1")
	require.NoError(t, err)
	_, err = r.BeginRemove("w1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("w1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, r.Reserve("w1"), ErrDuplicateID, "id stays taken while the session is torn down")

	r.AbortRemove("w1")
	_, err = r.Get("w1")
	require.NoError(t, err)

	_, err = r.BeginRemove("w1")
	require.NoError(t, err)
	r.CommitRemove("w1")
	assert.Equal(t, 0, r.Len())
	require.NoError(t, r.Reserve("w1"))
}

func TestUpdateActivity_Monotonic(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("w1", agent.RoleWorker, "", 0))

	require.NoError(t, r.UpdateActivity("w1", t0.Add(time.Minute)))
	require.NoError(t, r.UpdateActivity("w1", t0))
	got, _ := r.Get("w1")
	assert.Equal(t, t0.Add(time.Minute), got.LastActivity)

	require.ErrorIs(t, r.UpdateActivity("nope", t0), ErrNotFound)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("b", agent.RoleWorker, "", 1), rec("a", agent.RoleWorker, "", 1), rec("c", agent.RoleWorker, "", 0))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	snap[0].Task = "mutated"
	got, _ := r.Get("c")
	assert.Empty(t, got.Task)
}

func TestByTokenAndChildren(t *testing.T) {
	r := New()
	m := rec("pm", agent.RoleManager, "", 0)
	m.Token = "secret"
	mustRegister(t, r, m, rec("w1", agent.RoleWorker, "pm", 1))

	got, ok := r.ByToken("secret")
	require.True(t, ok)
	assert.Equal(t, "pm", got.ID)
	_, ok = r.ByToken("")
	assert.False(t, ok)

	assert.Len(t, r.Children("pm"), 1)
}

func TestObserve(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("w1", agent.RoleWorker, "", 0))

	prev, err := r.Observe("w1", agent.Observation{Tail: "one", CapturedAt: t0})
	require.NoError(t, err)
	assert.Empty(t, prev.Tail)

	prev, err = r.Observe("w1", agent.Observation{Tail: "two", CapturedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, "one", prev.Tail)
}

func TestLockTarget_Serializes(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("w1", agent.RoleWorker, "", 0))

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := r.LockTarget("w1")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())

	_, err := r.LockTarget("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := New()
	mustRegister(t, r, rec("pm", agent.RoleManager, "", 0))
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i)
			_, _ = r.Register(rec(id, agent.RoleWorker, "pm", i))
			_ = r.UpdateActivity(id, time.Now())
			_ = r.ReassignParent(id, "")
		}()
		go func() {
			defer wg.Done()
			for _, rc := range r.Snapshot() {
				_ = rc.ID
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 21, r.Len())
}
