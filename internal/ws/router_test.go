package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/config"
	"github.com/dmelo/chirp/internal/status"
)

// fakeServer accepts one websocket client and records every frame it sends.
type fakeServer struct {
	*httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan frame
	ready  chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan frame, 32),
		ready:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fs.frames <- f
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) push(t *testing.T, channel string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.conn.WriteJSON(frame{Type: frameEvent, Channel: channel, Payload: raw}); err != nil {
		t.Fatal(err)
	}
}

func (fs *fakeServer) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func testRouter(t *testing.T, fs *fakeServer, b *bus.Bus) *Router {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.SocketURL = fs.wsURL()
	cfg.Server.UserID = "me"
	r := NewRouter(cfg, b, status.NewMachine(b), nil)
	r.Start(context.Background())
	t.Cleanup(r.Stop)

	select {
	case <-fs.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	return r
}

func TestRouterSubscribesPersonalChannelsOnConnect(t *testing.T) {
	fs := newFakeServer(t)
	_ = testRouter(t, fs, bus.New())

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := fs.nextFrame(t)
		if f.Type != frameSubscribe {
			t.Fatalf("frame type = %q, want subscribe", f.Type)
		}
		got[f.Channel] = true
	}
	if !got["messagesRetrieved:me"] || !got["newMessage:me"] {
		t.Errorf("subscribed channels = %v", got)
	}
}

func TestRouterPublishesParsedEvents(t *testing.T) {
	b := bus.New()
	fs := newFakeServer(t)
	_ = testRouter(t, fs, b)
	sub := b.Subscribe("socket.message_received", 8)
	defer sub.Close()

	fs.push(t, "newMessage:me", Inbound{
		ConversationID: "c1",
		Message:        wireMessage{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", CreatedAt: 1000},
	})

	select {
	case evt := <-sub.C():
		in, ok := evt.Payload.(*Inbound)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if in.ConversationID != "c1" || in.Message.ID != "m1" {
			t.Errorf("payload = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestRouterDropsMalformedEvents(t *testing.T) {
	b := bus.New()
	fs := newFakeServer(t)
	_ = testRouter(t, fs, b)
	sub := b.Subscribe("socket.message_received", 8)
	defer sub.Close()

	fs.mu.Lock()
	err := fs.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","channel":"bogus","payload":{}}`))
	fs.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	fs.push(t, "messageReceived:c1", Inbound{ConversationID: "c1", Message: wireMessage{ID: "m2"}})

	select {
	case evt := <-sub.C():
		if evt.Payload.(*Inbound).Message.ID != "m2" {
			t.Errorf("got %+v, want the well-formed event only", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed event never arrived")
	}
}

func TestSetActiveConversationSwapsSubscriptions(t *testing.T) {
	fs := newFakeServer(t)
	r := testRouter(t, fs, bus.New())
	fs.nextFrame(t)
	fs.nextFrame(t)

	if err := r.SetActiveConversation("c1"); err != nil {
		t.Fatal(err)
	}
	subscribed := map[string]bool{}
	for i := 0; i < 3; i++ {
		f := fs.nextFrame(t)
		if f.Type != frameSubscribe {
			t.Fatalf("frame = %+v, want subscribe", f)
		}
		subscribed[f.Channel] = true
	}
	for _, want := range []string{"messageSent:c1", "messageReceived:c1", "messagesRead:c1"} {
		if !subscribed[want] {
			t.Errorf("missing subscription %q", want)
		}
	}

	if err := r.SetActiveConversation("c2"); err != nil {
		t.Fatal(err)
	}
	unsubscribed := map[string]bool{}
	for i := 0; i < 6; i++ {
		f := fs.nextFrame(t)
		if f.Type == frameUnsubscribe {
			unsubscribed[f.Channel] = true
		}
	}
	for _, want := range []string{"messageSent:c1", "messageReceived:c1", "messagesRead:c1"} {
		if !unsubscribed[want] {
			t.Errorf("missing unsubscription %q", want)
		}
	}
	if r.ActiveConversation() != "c2" {
		t.Errorf("active = %q, want c2", r.ActiveConversation())
	}
}

func TestEmitSendWritesEmitFrame(t *testing.T) {
	fs := newFakeServer(t)
	r := testRouter(t, fs, bus.New())
	fs.nextFrame(t)
	fs.nextFrame(t)

	err := r.EmitSend(&SendMessagePayload{TempID: "t1", ChatBuddy: "u2", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	f := fs.nextFrame(t)
	if f.Type != frameEmit || f.Channel != SendMessageChannel {
		t.Fatalf("frame = %+v", f)
	}
	var p SendMessagePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.TempID != "t1" || p.Message != "hello" {
		t.Errorf("payload = %+v", p)
	}
}

func TestEmitSendWhileDisconnected(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.SocketURL = "ws://127.0.0.1:1"
	cfg.Server.UserID = "me"
	r := NewRouter(cfg, bus.New(), nil, nil)

	if err := r.EmitSend(&SendMessagePayload{TempID: "t1", Message: "x"}); err != ErrDisconnected {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestRouterAnnouncesConnectionOnBus(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(KindConnected, 8)
	defer sub.Close()
	fs := newFakeServer(t)
	_ = testRouter(t, fs, b)

	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("socket.connected never published")
	}
}
