package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmelo/chirp/internal/conv"
)

// Bus kinds published by the router. messageReceived:{chatId} and
// newMessage:{userId} both map to KindMessageReceived: they carry the same
// logical event and the registry dedupes by message id.
const (
	KindConnected       = "socket.connected"
	KindDisconnected    = "socket.disconnected"
	KindHistoryPage     = "socket.history_page"
	KindMessageSent     = "socket.message_sent"
	KindMessageReceived = "socket.message_received"
	KindReadReceipt     = "socket.read_receipt"
)

// wireMessage is the message shape the backend puts on every channel.
type wireMessage struct {
	ID             string   `json:"id"`
	TempID         string   `json:"temp_id,omitempty"`
	ConversationID string   `json:"chat_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name,omitempty"`
	Body           string   `json:"message,omitempty"`
	FileURL        string   `json:"file_url,omitempty"`
	FileMime       string   `json:"file_mime,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	ReadBy         []string `json:"read_by,omitempty"`
}

// ToMessage converts a wire message to the domain shape.
func (w *wireMessage) ToMessage(selfID string) *conv.Message {
	m := &conv.Message{
		ID:             w.ID,
		TempID:         w.TempID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Body:           w.Body,
		CreatedAt:      w.CreatedAt,
		FromMe:         w.SenderID == selfID,
		Delivery:       conv.DeliverySent,
		ReadBy:         w.ReadBy,
	}
	if w.FileURL != "" {
		m.Attachment = &conv.Attachment{URL: w.FileURL, MimeType: w.FileMime}
	}
	return m
}

// HistoryPage is the payload of messagesRetrieved:{userId}.
type HistoryPage struct {
	ConversationID string        `json:"chat_id"`
	Page           int           `json:"page"`
	Messages       []wireMessage `json:"messages"`
}

// ToMessages converts the page to domain messages.
func (p *HistoryPage) ToMessages(selfID string) []*conv.Message {
	out := make([]*conv.Message, 0, len(p.Messages))
	for i := range p.Messages {
		out = append(out, p.Messages[i].ToMessage(selfID))
	}
	return out
}

// SentAck is the payload of messageSent:{chatId}: the server-assigned message
// echoing the client temp id.
type SentAck struct {
	ConversationID string      `json:"chat_id"`
	TempID         string      `json:"temp_id"`
	Message        wireMessage `json:"message"`
}

// Inbound is the payload of messageReceived:{chatId} and newMessage:{userId}.
type Inbound struct {
	ConversationID string      `json:"chat_id"`
	Message        wireMessage `json:"message"`
}

// ReadReceipt is the payload of messagesRead:{chatId}.
type ReadReceipt struct {
	ConversationID string `json:"chat_id"`
	ReadBy         string `json:"read_by"`
	ReadAt         int64  `json:"read_at"`
}

// parseEvent validates a channel payload into its typed form at the router
// boundary; nothing dynamically-typed crosses into the core.
func parseEvent(channel string, payload []byte) (string, any, error) {
	family, _, ok := strings.Cut(channel, ":")
	if !ok {
		return "", nil, fmt.Errorf("malformed channel %q", channel)
	}

	switch family {
	case "messagesRetrieved":
		var p HistoryPage
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode history page: %w", err)
		}
		return KindHistoryPage, &p, nil
	case "messageSent":
		var p SentAck
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode sent ack: %w", err)
		}
		return KindMessageSent, &p, nil
	case "messageReceived", "newMessage":
		var p Inbound
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode inbound message: %w", err)
		}
		return KindMessageReceived, &p, nil
	case "messagesRead":
		var p ReadReceipt
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode read receipt: %w", err)
		}
		return KindReadReceipt, &p, nil
	default:
		return "", nil, fmt.Errorf("unknown channel family %q", family)
	}
}
