package conv

import "testing"

func direct() *Conversation {
	return &Conversation{
		ID:   "c1",
		Kind: KindDirect,
		Participants: []Participant{
			{UserID: "me", Name: "Me"},
			{UserID: "u2", Name: "Ana", AvatarURL: "https://cdn/u2.png"},
		},
	}
}

func group(adminID string) *Conversation {
	return &Conversation{
		ID:       "g1",
		Kind:     KindGroup,
		Name:     "Project",
		CoverURL: "https://cdn/g1.png",
		Participants: []Participant{
			{UserID: "me", Admin: adminID == "me"},
			{UserID: "u2", Admin: adminID == "u2"},
		},
	}
}

func TestResolveDirect(t *testing.T) {
	d := Resolve(direct(), "me")
	if d.Name != "Ana" {
		t.Errorf("name = %q, want Ana", d.Name)
	}
	if d.AvatarURL != "https://cdn/u2.png" {
		t.Errorf("avatar = %q, want buddy avatar", d.AvatarURL)
	}
	if d.Route != "/chat/c1" {
		t.Errorf("route = %q, want /chat/c1", d.Route)
	}
}

func TestResolveGroup(t *testing.T) {
	d := Resolve(group("me"), "me")
	if d.Name != "Project" {
		t.Errorf("name = %q, want Project", d.Name)
	}
	if d.AvatarURL != "https://cdn/g1.png" {
		t.Errorf("avatar = %q, want cover image", d.AvatarURL)
	}
	if d.Route != "/chat-group/g1" {
		t.Errorf("route = %q, want /chat-group/g1", d.Route)
	}
}

func TestResolveDirectWithoutBuddyFallsBackToID(t *testing.T) {
	c := &Conversation{ID: "c9", Kind: KindDirect}
	d := Resolve(c, "me")
	if d.Name != "c9" {
		t.Errorf("name = %q, want conversation id fallback", d.Name)
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name string
		c    *Conversation
		want Capabilities
	}{
		{"group admin", group("me"), Capabilities{IsAdmin: true, CanAddMembers: true, CanLeave: true}},
		{"group member", group("u2"), Capabilities{CanLeave: true}},
		{"direct", direct(), Capabilities{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCapabilities(tt.c, "me"); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuddy(t *testing.T) {
	b := Buddy(direct(), "me")
	if b == nil || b.UserID != "u2" {
		t.Fatalf("buddy = %+v, want u2", b)
	}
	if Buddy(group("me"), "me") != nil {
		t.Error("group conversations have no buddy")
	}
}

func TestMessageOrdering(t *testing.T) {
	a := &Message{ID: "a", CreatedAt: 100}
	b := &Message{ID: "b", CreatedAt: 200}
	tie := &Message{ID: "b2", CreatedAt: 100}

	if !a.Before(b) || b.Before(a) {
		t.Error("created_at must order messages")
	}
	if !a.Before(tie) {
		t.Error("server id must break created_at ties")
	}
}
