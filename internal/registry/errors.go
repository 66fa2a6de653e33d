package registry

import "fmt"

// StaleEventError reports an event addressed to a conversation the registry
// does not hold, typically because the user switched conversations before the
// event arrived. Callers drop the event and log; it is never surfaced.
type StaleEventError struct {
	ConversationID string
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale event for unknown conversation %q", e.ConversationID)
}
