package send

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/registry"
	"github.com/dmelo/chirp/internal/status"
	"github.com/dmelo/chirp/internal/store"
	"github.com/dmelo/chirp/internal/ws"
)

type fakeEmitter struct {
	mu       sync.Mutex
	payloads []*ws.SendMessagePayload
	err      error
}

func (f *fakeEmitter) EmitSend(p *ws.SendMessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeEmitter) last(t *testing.T) *ws.SendMessagePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatal("nothing emitted")
	}
	return f.payloads[len(f.payloads)-1]
}

type fixture struct {
	sender *Sender
	reg    *registry.Registry
	db     *store.DB
	emit   *fakeEmitter
	bus    *bus.Bus
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}

	reg := registry.New("me", nil)
	reg.Put(&conv.Conversation{
		ID:   "c1",
		Kind: conv.KindDirect,
		Participants: []conv.Participant{
			{UserID: "me", Name: "Me"},
			{UserID: "u2", Name: "Ana"},
		},
	})
	reg.Put(&conv.Conversation{ID: "g1", Kind: conv.KindGroup, Name: "Team"})

	emit := &fakeEmitter{}
	s := NewSender("me", reg, db, emit, machine, b, timeout, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return &fixture{sender: s, reg: reg, db: db, emit: emit, bus: b}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendRefusesEmptyMessage(t *testing.T) {
	f := newFixture(t, time.Second)
	if _, err := f.sender.Send("c1", "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendRefusedWhileOffline(t *testing.T) {
	f := newFixture(t, time.Second)
	b := bus.New()
	offline := status.NewMachine(b)
	f.sender.machine = offline

	if _, err := f.sender.Send("c1", "hi", nil); !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if len(f.reg.Messages("c1")) != 0 {
		t.Error("refused send still inserted a message")
	}
}

func TestSendInsertsOptimisticMessage(t *testing.T) {
	f := newFixture(t, time.Second)

	m, err := f.sender.Send("c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Delivery != conv.DeliveryPending || !m.FromMe {
		t.Errorf("message = %+v", m)
	}

	held := f.reg.Messages("c1")
	if len(held) != 1 || held[0].TempID != m.TempID {
		t.Fatalf("registry = %+v", held)
	}

	p := f.emit.last(t)
	if p.ChatBuddy != "u2" || p.ChatGroup != "" {
		t.Errorf("payload target = %+v, want buddy u2", p)
	}
	if p.TempID != m.TempID || p.Message != "hello" {
		t.Errorf("payload = %+v", p)
	}

	e, err := f.db.GetOutbox(m.TempID)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Body != "hello" {
		t.Errorf("outbox = %+v", e)
	}
}

func TestSendToGroupTargetsGroup(t *testing.T) {
	f := newFixture(t, time.Second)

	if _, err := f.sender.Send("g1", "hi all", nil); err != nil {
		t.Fatal(err)
	}
	p := f.emit.last(t)
	if p.ChatGroup != "g1" || p.ChatBuddy != "" {
		t.Errorf("payload target = %+v, want group g1", p)
	}
}

func TestAckResolvesPendingInPlace(t *testing.T) {
	f := newFixture(t, time.Second)

	// An older message so the pending one is not alone.
	_ = f.reg.Upsert("c1", &conv.Message{ID: "m0", ConversationID: "c1", SenderID: "u2", CreatedAt: 100})
	m, err := f.sender.Send("c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	raw := fmt.Sprintf(`{"chat_id":"c1","temp_id":%q,"message":{"id":"srv-1","chat_id":"c1","sender_id":"me","message":"hello","created_at":%d}}`,
		m.TempID, m.CreatedAt)
	var ack ws.SentAck
	if err := json.Unmarshal([]byte(raw), &ack); err != nil {
		t.Fatal(err)
	}
	f.bus.Emit(ws.KindMessageSent, &ack)

	waitFor(t, "ack to resolve", func() bool {
		held := f.reg.Messages("c1")
		return len(held) == 2 && held[1].ID == "srv-1" && held[1].Delivery == conv.DeliverySent
	})
	if got := len(f.reg.Messages("c1")); got != 2 {
		t.Errorf("ack duplicated the message: %d held", got)
	}
}

func TestEchoResolvesPendingBeforeTimeout(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	m, err := f.sender.Send("c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The server delivers our own message on messageReceived instead of the
	// ack channel. The sync engine resolves the registry bubble; the sender
	// sees the same event and settles the timer and outbox.
	_ = f.reg.Upsert("c1", &conv.Message{
		ID: "srv-1", TempID: m.TempID, ConversationID: "c1",
		SenderID: "me", FromMe: true, CreatedAt: m.CreatedAt, Delivery: conv.DeliverySent,
	})
	raw := fmt.Sprintf(`{"chat_id":"c1","message":{"id":"srv-1","temp_id":%q,"chat_id":"c1","sender_id":"me","message":"hello","created_at":%d}}`,
		m.TempID, m.CreatedAt)
	var in ws.Inbound
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatal(err)
	}
	f.bus.Emit(ws.KindMessageReceived, &in)

	waitFor(t, "outbox settled", func() bool {
		e, err := f.db.GetOutbox(m.TempID)
		return err == nil && e != nil && e.Status == "sent"
	})

	// Well past the ack timeout, the delivered message must stay SENT.
	time.Sleep(250 * time.Millisecond)
	held := f.reg.Messages("c1")
	if len(held) != 1 || held[0].ID != "srv-1" || held[0].Delivery != conv.DeliverySent {
		t.Errorf("registry = %+v, want srv-1 kept SENT after the timeout window", held)
	}
	failed, err := f.db.FailedOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("failed outbox = %+v, want empty", failed)
	}
}

func TestAckTimeoutMarksFailed(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	m, err := f.sender.Send("c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "timeout to mark failed", func() bool {
		held := f.reg.Messages("c1")
		return len(held) == 1 && held[0].Delivery == conv.DeliveryFailed
	})

	failed, err := f.db.FailedOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].TempID != m.TempID {
		t.Errorf("failed outbox = %+v", failed)
	}
}

func TestRetryReusesTempIDAndAttachment(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	att := &conv.Attachment{URL: "https://cdn/f.png", MimeType: "image/png"}
	m, err := f.sender.Send("c1", "", att)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout", func() bool {
		held := f.reg.Messages("c1")
		return len(held) == 1 && held[0].Delivery == conv.DeliveryFailed
	})

	if err := f.sender.Retry("c1", m.TempID); err != nil {
		t.Fatal(err)
	}
	p := f.emit.last(t)
	if p.TempID != m.TempID {
		t.Errorf("retry temp id = %q, want %q", p.TempID, m.TempID)
	}
	if p.FileURL != "https://cdn/f.png" {
		t.Errorf("retry payload = %+v, attachment reference lost", p)
	}
	if held := f.reg.Messages("c1"); held[0].Delivery != conv.DeliveryPending {
		t.Errorf("delivery = %q, want PENDING again", held[0].Delivery)
	}
}

func TestRetryRefusedForNonFailedMessage(t *testing.T) {
	f := newFixture(t, time.Second)

	m, err := f.sender.Send("c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = f.sender.Retry("c1", m.TempID)
	var stale *StaleRetryError
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleRetryError", err)
	}
}

func TestEmitFailureFailsImmediately(t *testing.T) {
	f := newFixture(t, time.Second)
	f.emit.err = ws.ErrDisconnected

	m, err := f.sender.Send("c1", "hello", nil)
	if err == nil {
		t.Fatal("expected emit error")
	}
	held := f.reg.Messages("c1")
	if len(held) != 1 || held[0].Delivery != conv.DeliveryFailed {
		t.Errorf("registry = %+v, want the message kept as FAILED", held)
	}
	if m.TempID == "" {
		t.Error("no temp id assigned")
	}
}
