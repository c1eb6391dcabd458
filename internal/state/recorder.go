package state

import (
	"log/slog"

	"github.com/Dicklesworthstone/omar/internal/events"
)

// Record subscribes to every agent event on bus and appends it to the store.
// Write failures are logged and dropped. The returned function unsubscribes.
func Record(store *Store, bus *events.EventBus, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.SubscribeAll(func(ev events.BusEvent) {
		ae, ok := ev.(events.AgentEvent)
		if !ok {
			return
		}
		entry := &EventLogEntry{
			AgentID:   ae.AgentID,
			EventType: ae.Type,
			From:      ae.From,
			To:        ae.To,
			EventData: EncodeData(ae.Data),
			CreatedAt: ae.Timestamp,
		}
		if err := store.LogEvent(entry); err != nil {
			logger.Warn("history write failed", "event_type", ae.Type, "agent", ae.AgentID, "err", err)
		}
	})
}
