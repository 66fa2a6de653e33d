package conv

// Kind distinguishes the two conversation shapes the backend exposes.
type Kind string

const (
	KindDirect Kind = "DIRECT"
	KindGroup  Kind = "GROUP"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID    string
	Name      string
	AvatarURL string
	Admin     bool
	JoinedAt  int64
}

// Conversation is the unified shape for direct and group chats. Display
// metadata (name, avatar) is derived via Resolve, never read raw.
type Conversation struct {
	ID            string
	Kind          Kind
	Name          string // group name; empty for direct chats
	CoverURL      string // group cover image; empty for direct chats
	Participants  []Participant
	LastMessageAt int64 // unix ms
	UnreadCount   int
}

// DeliveryState tracks an outbound message through the send pipeline.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "PENDING"
	DeliverySent    DeliveryState = "SENT"
	DeliveryFailed  DeliveryState = "FAILED"
)

// Attachment is a file reference carried by a message. PreviewURL holds a
// local data URL shown before (and alongside) the remote URL; it is swapped
// out without re-ordering the message.
type Attachment struct {
	URL        string
	MimeType   string
	Name       string
	PreviewURL string
}

// Message is one entry in a conversation. ID is server-assigned; while a
// local send is pending, ID holds the client temp id and TempID is set to the
// same value so the acknowledgment can find it.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Attachment     *Attachment
	CreatedAt      int64 // unix ms
	FromMe         bool
	Delivery       DeliveryState
	ReadBy         []string
}

// Before reports whether m sorts before other in a conversation: created_at
// ascending, server id as tie-break.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// IsReadBy reports whether the message has been read by the given user.
func (m *Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}
