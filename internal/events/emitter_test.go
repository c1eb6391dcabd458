package events

import (
	"sync"
	"testing"
	"time"
)

func TestEventEmitter_PublishesEvent(t *testing.T) {
	bus := NewEventBus(10)
	emitter := NewEventEmitter(bus, 8)

	got := make(chan BusEvent, 1)
	unsub := bus.SubscribeAll(func(e BusEvent) {
		select {
		case got <- e:
		default:
		}
	})
	defer unsub()

	emitter.Emit(NewAgentEvent(TypeHealth, "w1", "working", "stuck", nil))

	select {
	case ev := <-got:
		if ev.EventType() != TypeHealth {
			t.Fatalf("expected event_type %s, got %q", TypeHealth, ev.EventType())
		}
		ae := ev.(AgentEvent)
		if ae.AgentID != "w1" || ae.From != "working" || ae.To != "stuck" {
			t.Fatalf("unexpected event %+v", ae)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event publish")
	}
}

func TestEventEmitter_DropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(10)
	// Force Publish() backpressure by shrinking the handler semaphore and
	// registering >1 handler where the first blocks.
	bus.handlerSem = make(chan struct{}, 1)

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	bus.Subscribe(TypeHealth, func(e BusEvent) {
		once.Do(func() { close(started) })
		<-block
	})
	bus.Subscribe(TypeHealth, func(e BusEvent) {})

	emitter := NewEventEmitter(bus, 2)

	// First event wedges the emitter worker inside Publish().
	emitter.Emit(NewAgentEvent(TypeHealth, "w1", "", "", nil))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocking handler to start")
	}

	for range 10 {
		emitter.Emit(NewAgentEvent(TypeHealth, "w1", "", "", nil))
	}
	if emitter.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}
	close(block)
}

func TestEventBus_TypeFilterAndHistory(t *testing.T) {
	bus := NewEventBus(2)
	var mu sync.Mutex
	var seen []string
	unsub := bus.Subscribe(TypeKilled, func(e BusEvent) {
		mu.Lock()
		seen = append(seen, e.EventType())
		mu.Unlock()
	})

	bus.Publish(NewAgentEvent(TypeSpawned, "a", "", "", nil))
	bus.Publish(NewAgentEvent(TypeKilled, "a", "", "", nil))
	bus.Publish(NewAgentEvent(TypeLost, "b", "", "", nil))
	unsub()
	bus.Publish(NewAgentEvent(TypeKilled, "c", "", "", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("handler saw %v, want one %s", seen, TypeKilled)
	}
	hist := bus.History(0)
	if len(hist) != 2 || hist[1].(AgentEvent).AgentID != "c" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestEventBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewEventBus(0)
	bus.SubscribeAll(func(BusEvent) { panic("boom") })
	called := false
	bus.SubscribeAll(func(BusEvent) { called = true })
	bus.Publish(NewAgentEvent(TypeLost, "x", "", "", nil))
	if !called {
		t.Fatal("second handler did not run")
	}
}

func TestEventEmitter_CloseFlushes(t *testing.T) {
	bus := NewEventBus(10)
	emitter := NewEventEmitter(bus, 8)
	for range 3 {
		emitter.Emit(NewAgentEvent(TypeSpawned, "w", "", "", nil))
	}
	emitter.Close()
	if got := len(bus.History(0)); got != 3 {
		t.Fatalf("history after Close = %d, want 3", got)
	}
	emitter.Emit(NewAgentEvent(TypeSpawned, "late", "", "", nil))
}
