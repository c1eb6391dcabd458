// Package events carries agent lifecycle and health-transition notifications
// from the orchestrator to its observers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeSpawned    = "agent.spawned"
	TypeKilled     = "agent.killed"
	TypeLost       = "agent.lost"
	TypeHealth     = "agent.health"
	TypeReassigned = "agent.reassigned"
	TypeUnassigned = "agent.unassigned"
)

// BusEvent is anything that can travel on the bus.
type BusEvent interface {
	EventType() string
}

// AgentEvent describes one change to one agent.
type AgentEvent struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventType implements BusEvent.
func (e AgentEvent) EventType() string { return e.Type }

// NewAgentEvent stamps an event with the current time.
func NewAgentEvent(typ, agentID, from, to string, data map[string]any) AgentEvent {
	return AgentEvent{
		Type:      typ,
		AgentID:   agentID,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler receives published events.
type Handler func(BusEvent)

type subscription struct {
	id      int
	typ     string // empty for all
	handler Handler
}

// EventBus fans events out to subscribers and keeps a short history.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  int
	history []BusEvent
	maxHist int

	// handlerSem bounds concurrently running handlers.
	handlerSem chan struct{}
}

// NewEventBus creates a bus that remembers the last historySize events.
func NewEventBus(historySize int) *EventBus {
	if historySize < 0 {
		historySize = 0
	}
	return &EventBus{
		maxHist:    historySize,
		handlerSem: make(chan struct{}, 32),
	}
}

// DefaultBus is the process-wide bus.
var DefaultBus = NewEventBus(100)

// Subscribe registers handler for one event type. The returned function
// unsubscribes.
func (b *EventBus) Subscribe(eventType string, handler Handler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers handler for every event.
func (b *EventBus) SubscribeAll(handler Handler) func() {
	return b.add("", handler)
}

func (b *EventBus) add(typ string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to matching subscribers and waits for them to return.
func (b *EventBus) Publish(ev BusEvent) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	if b.maxHist > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.maxHist {
			b.history = b.history[len(b.history)-b.maxHist:]
		}
	}
	var handlers []Handler
	for _, s := range b.subs {
		if s.typ == "" || s.typ == ev.EventType() {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		b.handlerSem <- struct{}{}
		wg.Add(1)
		go func(h Handler) {
			defer func() {
				<-b.handlerSem
				wg.Done()
				if r := recover(); r != nil {
					slog.Default().Warn("event handler panicked", "event_type", ev.EventType(), "panic", r)
				}
			}()
			h(ev)
		}(h)
	}
	wg.Wait()
}

// History returns up to limit of the most recent events, oldest first.
func (b *EventBus) History(limit int) []BusEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]BusEvent(nil), h...)
}
