package store

import "github.com/dmelo/chirp/internal/conv"

// Conversation is a cached conversation row.
type Conversation struct {
	ID                 string
	Kind               string
	Name               string
	CoverURL           string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Participant is a cached conversation member row.
type Participant struct {
	ConversationID string
	UserID         string
	Name           string
	AvatarURL      string
	Admin          bool
	JoinedAt       int64
}

// Message is a cached message row.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	AttachmentURL  string
	AttachmentMime string
	FromMe         bool
	Delivery       string
	CreatedAt      int64
}

// OutboxEntry records one send attempt: queued, sending, sent, failed.
type OutboxEntry struct {
	RowID          int64
	TempID         string
	ConversationID string
	Body           string
	AttachmentURL  string
	AttachmentMime string
	Status         string
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}

// ToConv converts a cached message row to the domain shape.
func (m *Message) ToConv() *conv.Message {
	out := &conv.Message{
		ID:             m.MsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		FromMe:         m.FromMe,
		Delivery:       conv.DeliveryState(m.Delivery),
	}
	if m.AttachmentURL != "" {
		out.Attachment = &conv.Attachment{URL: m.AttachmentURL, MimeType: m.AttachmentMime}
	}
	return out
}

// FromConv converts a domain message to its cache row shape.
func FromConv(m *conv.Message) *Message {
	out := &Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		FromMe:         m.FromMe,
		Delivery:       string(m.Delivery),
		CreatedAt:      m.CreatedAt,
	}
	if m.Attachment != nil {
		out.AttachmentURL = m.Attachment.URL
		out.AttachmentMime = m.Attachment.MimeType
	}
	return out
}

// ToConvConversation converts a cached conversation plus its participants to
// the domain shape.
func (c *Conversation) ToConvConversation(parts []Participant) *conv.Conversation {
	out := &conv.Conversation{
		ID:            c.ID,
		Kind:          conv.Kind(c.Kind),
		Name:          c.Name,
		CoverURL:      c.CoverURL,
		UnreadCount:   c.UnreadCount,
		LastMessageAt: c.LastMessageAt,
	}
	for _, p := range parts {
		out.Participants = append(out.Participants, conv.Participant{
			UserID:    p.UserID,
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
			Admin:     p.Admin,
			JoinedAt:  p.JoinedAt,
		})
	}
	return out
}
