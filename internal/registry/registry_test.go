package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dmelo/chirp/internal/conv"
)

func testRegistry() *Registry {
	r := New("me", nil)
	r.Put(&conv.Conversation{ID: "c1", Kind: conv.KindDirect})
	r.Put(&conv.Conversation{ID: "c2", Kind: conv.KindGroup, Name: "Group"})
	return r
}

func msg(id string, ts int64) *conv.Message {
	return &conv.Message{ID: id, ConversationID: "c1", SenderID: "u2", CreatedAt: ts, Delivery: conv.DeliverySent}
}

func ownPending(tempID string, ts int64) *conv.Message {
	return &conv.Message{
		ID: tempID, TempID: tempID, ConversationID: "c1",
		SenderID: "me", FromMe: true, CreatedAt: ts, Delivery: conv.DeliveryPending,
	}
}

func ids(msgs []*conv.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestUpsertOrdersByCreatedAtThenID(t *testing.T) {
	r := testRegistry()

	// Arrival order deliberately scrambled; m2/m3 tie on created_at.
	for _, m := range []*conv.Message{msg("m3", 200), msg("m1", 100), msg("m2", 200)} {
		if err := r.Upsert("c1", m); err != nil {
			t.Fatal(err)
		}
	}

	got := ids(r.Messages("c1"))
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := testRegistry()

	m := msg("m1", 100)
	if err := r.Upsert("c1", m); err != nil {
		t.Fatal(err)
	}
	dup := msg("m1", 100)
	dup.Body = "edited"
	if err := r.Upsert("c1", dup); err != nil {
		t.Fatal(err)
	}

	msgs := r.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "edited" {
		t.Errorf("body = %q, want updated payload", msgs[0].Body)
	}
}

func TestUpsertNoDuplicateIDsUnderMixedArrival(t *testing.T) {
	r := testRegistry()

	// messageReceived:{chatId} and newMessage:{userId} both fire for the same
	// underlying message.
	for i := 0; i < 2; i++ {
		if err := r.Upsert("c1", msg("m1", 100)); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(r.Messages("c1")); n != 1 {
		t.Errorf("got %d entries, want exactly 1", n)
	}
}

func TestAckReplacesPendingInPlace(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", msg("m1", 100))
	_ = r.Upsert("c1", ownPending("tmp-1", 200))
	_ = r.Upsert("c1", msg("m2", 300))

	ack := &conv.Message{ID: "srv-9", TempID: "tmp-1", ConversationID: "c1", FromMe: true, CreatedAt: 200}
	if err := r.ResolvePending("c1", "tmp-1", ack); err != nil {
		t.Fatal(err)
	}

	msgs := r.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (replace, not append)", len(msgs))
	}
	if msgs[1].ID != "srv-9" {
		t.Errorf("position 1 = %q, want srv-9 at the pending entry's slot", msgs[1].ID)
	}
	if msgs[1].Delivery != conv.DeliverySent {
		t.Errorf("delivery = %q, want SENT", msgs[1].Delivery)
	}

	// The temp id must no longer be resolvable as a separate entry.
	if err := r.Upsert("c1", &conv.Message{ID: "srv-9", TempID: "tmp-1", ConversationID: "c1", CreatedAt: 200}); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Messages("c1")); n != 3 {
		t.Errorf("got %d messages after ack echo, want 3", n)
	}
}

func TestUpsertWithTempIDReplacesPending(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", ownPending("tmp-1", 100))

	// Server echo carrying temp_id arrives via Upsert rather than the ack path.
	echo := &conv.Message{ID: "srv-1", TempID: "tmp-1", ConversationID: "c1", FromMe: true, CreatedAt: 100}
	if err := r.Upsert("c1", echo); err != nil {
		t.Fatal(err)
	}

	msgs := r.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("got %v, want single srv-1 entry", ids(msgs))
	}
}

func TestUpsertUnknownConversationIsStale(t *testing.T) {
	r := testRegistry()

	err := r.Upsert("gone", msg("m1", 100))
	var stale *StaleEventError
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleEventError", err)
	}
	if stale.ConversationID != "gone" {
		t.Errorf("conversation id = %q, want gone", stale.ConversationID)
	}
}

func TestPrependMergesBelowLiveMessages(t *testing.T) {
	r := testRegistry()

	// A live message arrives first, then page 2 of history.
	_ = r.Upsert("c1", msg("live", 1000))

	older := []*conv.Message{msg("h2", 200), msg("h1", 100)}
	added, err := r.Prepend("c1", older)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	got := ids(r.Messages("c1"))
	want := []string{"h1", "h2", "live"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want history below live message %v", got, want)
		}
	}
}

func TestPrependSkipsKnownIDs(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", msg("m1", 100))
	added, err := r.Prepend("c1", []*conv.Message{msg("m1", 100), msg("m0", 50)})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (duplicate skipped)", added)
	}
	if n := len(r.Messages("c1")); n != 2 {
		t.Errorf("got %d messages, want 2", n)
	}
}

func TestUnreadCountTracksFocus(t *testing.T) {
	r := testRegistry()
	r.SetActive("c1")

	// Inbound on the focused conversation: no unread.
	_ = r.Upsert("c1", msg("m1", 100))
	c1, _ := r.Conversation("c1")
	if c1.UnreadCount != 0 {
		t.Errorf("focused unread = %d, want 0", c1.UnreadCount)
	}

	// Inbound on a background conversation: unread increments.
	in := msg("g1", 100)
	in.ConversationID = "c2"
	_ = r.Upsert("c2", in)
	c2, _ := r.Conversation("c2")
	if c2.UnreadCount != 1 {
		t.Errorf("background unread = %d, want 1", c2.UnreadCount)
	}

	// Focusing clears it.
	r.SetActive("c2")
	c2, _ = r.Conversation("c2")
	if c2.UnreadCount != 0 {
		t.Errorf("unread after focus = %d, want 0", c2.UnreadCount)
	}

	// Own messages never count as unread.
	r.SetActive("c1")
	own := ownPending("tmp-1", 200)
	own.ConversationID = "c2"
	_ = r.Upsert("c2", own)
	c2, _ = r.Conversation("c2")
	if c2.UnreadCount != 0 {
		t.Errorf("unread after own send = %d, want 0", c2.UnreadCount)
	}
}

func TestLastMessageAtBumps(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", msg("m1", 500))
	_ = r.Upsert("c1", msg("m0", 100)) // older, must not regress
	c, _ := r.Conversation("c1")
	if c.LastMessageAt != 500 {
		t.Errorf("last_message_at = %d, want 500", c.LastMessageAt)
	}
}

func TestMarkFailedAndRemove(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", ownPending("tmp-1", 100))
	if err := r.MarkFailed("c1", "tmp-1"); err != nil {
		t.Fatal(err)
	}
	if d := r.Messages("c1")[0].Delivery; d != conv.DeliveryFailed {
		t.Errorf("delivery = %q, want FAILED", d)
	}

	if err := r.Remove("c1", "tmp-1"); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Messages("c1")); n != 0 {
		t.Errorf("got %d messages after remove, want 0", n)
	}
}

func TestMessagesSnapshotIsDetached(t *testing.T) {
	r := testRegistry()

	src := ownPending("tmp-1", 100)
	src.Attachment = &conv.Attachment{URL: "https://cdn/x", MimeType: "image/png"}
	_ = r.Upsert("c1", src)

	// Mutating the caller's message after Upsert must not reach held state.
	src.Body = "mutated"
	src.Attachment.URL = "clobbered"
	if held := r.Messages("c1")[0]; held.Body == "mutated" || held.Attachment.URL == "clobbered" {
		t.Fatal("registry shares memory with the upserted message")
	}

	// Mutating a snapshot must not reach held state either.
	snap := r.Messages("c1")
	snap[0].Delivery = conv.DeliverySent
	snap[0].ReadBy = append(snap[0].ReadBy, "u2")
	if d := r.Messages("c1")[0].Delivery; d != conv.DeliveryPending {
		t.Errorf("delivery = %q after snapshot mutation, want PENDING", d)
	}

	// And registry mutations must not rewrite snapshots already handed out.
	snap = r.Messages("c1")
	_ = r.MarkFailed("c1", "tmp-1")
	if snap[0].Delivery != conv.DeliveryPending {
		t.Errorf("snapshot delivery = %q after MarkFailed, want PENDING", snap[0].Delivery)
	}

	c, _ := r.Conversation("c1")
	c.UnreadCount = 99
	if held, _ := r.Conversation("c1"); held.UnreadCount == 99 {
		t.Error("registry shares memory with returned conversations")
	}
}

func TestMarkFailedLeavesResolvedMessageAlone(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", ownPending("tmp-1", 100))
	echo := &conv.Message{ID: "srv-1", TempID: "tmp-1", ConversationID: "c1", FromMe: true, CreatedAt: 100, Delivery: conv.DeliverySent}
	_ = r.Upsert("c1", echo)

	// A late timeout firing after the echo resolved the bubble is a no-op.
	if err := r.MarkFailed("c1", "tmp-1"); err != nil {
		t.Fatal(err)
	}
	if d := r.Messages("c1")[0].Delivery; d != conv.DeliverySent {
		t.Errorf("delivery = %q, want SENT kept", d)
	}
}

func TestMarkPendingRequiresFailed(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", ownPending("tmp-1", 100))
	if err := r.MarkPending("c1", "tmp-1"); err == nil {
		t.Error("MarkPending on a pending message must error")
	}

	_ = r.MarkFailed("c1", "tmp-1")
	if err := r.MarkPending("c1", "tmp-1"); err != nil {
		t.Fatal(err)
	}
	if d := r.Messages("c1")[0].Delivery; d != conv.DeliveryPending {
		t.Errorf("delivery = %q, want PENDING", d)
	}
}

func TestDropForgetsConversation(t *testing.T) {
	r := testRegistry()
	r.SetActive("c2")

	_ = r.Upsert("c2", func() *conv.Message { m := msg("g1", 100); m.ConversationID = "c2"; return m }())
	r.Drop("c2")

	if _, ok := r.Conversation("c2"); ok {
		t.Error("conversation still held after Drop")
	}
	if r.ActiveID() != "" {
		t.Errorf("active = %q after dropping the focused conversation, want empty", r.ActiveID())
	}
	if msgs := r.Messages("c2"); msgs != nil {
		t.Errorf("got %d messages after Drop, want none", len(msgs))
	}
}

func TestMarkReadAppliesToOwnMessagesOnly(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", msg("theirs", 100))
	sent := &conv.Message{ID: "mine1", ConversationID: "c1", FromMe: true, CreatedAt: 200, Delivery: conv.DeliverySent}
	sent2 := &conv.Message{ID: "mine2", ConversationID: "c1", FromMe: true, CreatedAt: 300, Delivery: conv.DeliverySent}
	_ = r.Upsert("c1", sent)
	_ = r.Upsert("c1", sent2)

	changed, err := r.MarkRead("c1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}

	// Re-applying the same receipt is a no-op.
	changed, _ = r.MarkRead("c1", "u2")
	if changed != 0 {
		t.Errorf("changed on repeat = %d, want 0", changed)
	}

	for _, m := range r.Messages("c1") {
		if m.FromMe && !m.IsReadBy("u2") {
			t.Errorf("own message %s not marked read", m.ID)
		}
		if !m.FromMe && m.IsReadBy("u2") {
			t.Errorf("inbound message %s must not be marked", m.ID)
		}
	}
}

func TestListOrdersByActivity(t *testing.T) {
	r := testRegistry()

	_ = r.Upsert("c1", msg("m1", 100))
	in := msg("g1", 900)
	in.ConversationID = "c2"
	_ = r.Upsert("c2", in)

	list := r.List()
	if len(list) != 2 || list[0].ID != "c2" {
		t.Errorf("list head = %v, want most recently active first", ids2(list))
	}
}

func ids2(cs []*conv.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestManyInterleavedUpsertsStayOrderedAndUnique(t *testing.T) {
	r := testRegistry()

	// Pages and live events interleaved, with duplicates.
	for i := 0; i < 50; i++ {
		_ = r.Upsert("c1", msg(fmt.Sprintf("m%02d", (i*7)%25), int64(((i*7)%25)*10)))
	}

	msgs := r.Messages("c1")
	seen := make(map[string]bool)
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.Before(msgs[i-1]) {
			t.Fatalf("messages out of order at %d: %s before %s", i, msgs[i].ID, msgs[i-1].ID)
		}
	}
	if len(msgs) != 25 {
		t.Errorf("got %d unique messages, want 25", len(msgs))
	}
}
