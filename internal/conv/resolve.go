package conv

// Display is the resolved presentation of a conversation for the current
// user: group name + cover for groups, buddy name + avatar for direct chats.
type Display struct {
	Name      string
	AvatarURL string
	Route     string
}

// Capabilities are the mutation affordances the current user has in a
// conversation. CanAddMembers is reserved for group admins.
type Capabilities struct {
	IsAdmin       bool
	CanAddMembers bool
	CanLeave      bool
}

// Resolve derives display metadata for a conversation as seen by selfID.
// This is the only place that branches on conversation kind.
func Resolve(c *Conversation, selfID string) Display {
	if c.Kind == KindGroup {
		return Display{
			Name:      c.Name,
			AvatarURL: c.CoverURL,
			Route:     "/chat-group/" + c.ID,
		}
	}
	d := Display{Route: "/chat/" + c.ID}
	if b := Buddy(c, selfID); b != nil {
		d.Name = b.Name
		d.AvatarURL = b.AvatarURL
	}
	if d.Name == "" {
		d.Name = c.ID
	}
	return d
}

// ResolveCapabilities derives what selfID may do in the conversation.
func ResolveCapabilities(c *Conversation, selfID string) Capabilities {
	if c.Kind != KindGroup {
		return Capabilities{}
	}
	caps := Capabilities{CanLeave: true}
	for _, p := range c.Participants {
		if p.UserID == selfID && p.Admin {
			caps.IsAdmin = true
			caps.CanAddMembers = true
		}
	}
	return caps
}

// Buddy returns the counterpart participant of a direct conversation, or nil
// for groups and malformed records.
func Buddy(c *Conversation, selfID string) *Participant {
	if c.Kind != KindDirect {
		return nil
	}
	for i := range c.Participants {
		if c.Participants[i].UserID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}
