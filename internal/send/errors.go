package send

import (
	"errors"
	"fmt"
)

// ErrOffline refuses a send while the socket is down. Sends are never
// queued for later; the user decides when to retry.
var ErrOffline = errors.New("cannot send while disconnected")

// ErrEmptyMessage refuses a send with neither text nor an attachment.
var ErrEmptyMessage = errors.New("message needs text or a file")

// ErrUnknownConversation refuses a send to a conversation the client
// has never seen.
var ErrUnknownConversation = errors.New("unknown conversation")

// StaleRetryError refuses a retry whose message is not in a failed state.
type StaleRetryError struct {
	TempID string
}

func (e *StaleRetryError) Error() string {
	return fmt.Sprintf("message %s is not awaiting retry", e.TempID)
}

// AckTimeoutError marks a send the server never acknowledged in time.
type AckTimeoutError struct {
	TempID string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgment for %s within the timeout", e.TempID)
}
