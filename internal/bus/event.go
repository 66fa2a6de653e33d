package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-separated
// ("socket.message_received", "message.upserted") so subscribers can filter
// by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Emit publishes an event with the current timestamp.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
