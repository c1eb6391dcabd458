package state

import (
	"path/filepath"
	"testing"

	"github.com/Dicklesworthstone/omar/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestLogAndListEvents(t *testing.T) {
	s := openTestStore(t)

	for _, e := range []EventLogEntry{
		{AgentID: "w1", EventType: events.TypeSpawned},
		{AgentID: "w2", EventType: events.TypeSpawned},
		{AgentID: "w1", EventType: events.TypeHealth, From: "working", To: "stuck"},
	} {
		if err := s.LogEvent(&e); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
		if e.ID == 0 {
			t.Fatal("LogEvent did not set ID")
		}
	}

	all, err := s.ListEvents("", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 || all[0].EventType != events.TypeHealth {
		t.Fatalf("ListEvents(all) = %+v", all)
	}

	w1, err := s.ListEvents("w1", 10)
	if err != nil {
		t.Fatalf("ListEvents(w1): %v", err)
	}
	if len(w1) != 2 || w1[0].To != "stuck" || w1[0].EventData != "{}" {
		t.Fatalf("ListEvents(w1) = %+v", w1)
	}

	one, _ := s.ListEvents("", 1)
	if len(one) != 1 {
		t.Fatalf("limit ignored: %d rows", len(one))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRecordFromBus(t *testing.T) {
	s := openTestStore(t)
	bus := events.NewEventBus(0)
	unsub := Record(s, bus, nil)
	defer unsub()

	bus.Publish(events.NewAgentEvent(events.TypeReassigned, "w1", "pm-a", "pm-b", map[string]any{"rule": "explicit"}))

	rows, err := s.ListEvents("w1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].From != "pm-a" || rows[0].EventData != `{"rule":"explicit"}` {
		t.Fatalf("recorded rows = %+v", rows)
	}
}
