package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/config"
	"github.com/dmelo/chirp/internal/status"
)

// ErrDisconnected is returned by Emit operations while the socket is down.
// Callers surface it to the user instead of queuing the send.
var ErrDisconnected = errors.New("socket is not connected")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Router owns the websocket connection. It keeps the two per-user channels
// subscribed for the whole session and the three per-conversation channels
// subscribed for exactly the active conversation. Every server event is
// parsed at this boundary and republished on the bus under "socket.*".
type Router struct {
	url     string
	userID  string
	token   string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	active string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a router from config. It does not connect until Start.
func NewRouter(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		url:     cfg.Server.SocketURL,
		userID:  cfg.Server.UserID,
		token:   cfg.Server.Token,
		bus:     b,
		machine: m,
		logger:  logger.Named("ws"),
	}
}

// Start launches the connect/reconnect loop in the background.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop tears the connection down and ends the reconnect loop.
func (r *Router) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()
	<-r.done
	r.transition(status.Closed)
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		r.transition(status.Connecting)

		conn, err := r.dial(ctx)
		if err != nil {
			r.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			r.transition(status.Reconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		r.mu.Lock()
		r.conn = conn
		active := r.active
		r.mu.Unlock()

		if err := r.subscribeAll(active); err != nil {
			r.logger.Warn("resubscribe failed", zap.Error(err))
			r.mu.Lock()
			r.conn = nil
			r.mu.Unlock()
			_ = conn.Close()
			r.transition(status.Reconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		r.transition(status.Connected)
		r.bus.Emit(KindConnected, nil)
		r.logger.Info("connected", zap.String("url", r.url))

		r.readLoop(conn)

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		_ = conn.Close()
		r.bus.Emit(KindDisconnected, nil)

		if ctx.Err() != nil {
			return
		}
		r.transition(status.Reconnecting)
		r.logger.Info("connection lost, reconnecting")
	}
}

func (r *Router) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (r *Router) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if f.Type != frameEvent {
			continue
		}
		kind, payload, err := parseEvent(f.Channel, f.Payload)
		if err != nil {
			r.logger.Warn("dropping event", zap.String("channel", f.Channel), zap.Error(err))
			continue
		}
		r.bus.Emit(kind, payload)
	}
}

// SetActiveConversation swaps the per-conversation subscriptions to the given
// conversation. At most one conversation is subscribed at a time; pass ""
// to leave all of them. While disconnected only the intent is recorded and
// the next connect subscribes accordingly.
func (r *Router) SetActiveConversation(convID string) error {
	r.mu.Lock()
	prev := r.active
	r.active = convID
	conn := r.conn
	r.mu.Unlock()

	if conn == nil || prev == convID {
		return nil
	}
	if prev != "" {
		for _, ch := range conversationChannels(prev) {
			if err := r.write(frame{Type: frameUnsubscribe, Channel: ch}); err != nil {
				return err
			}
		}
	}
	if convID != "" {
		for _, ch := range conversationChannels(convID) {
			if err := r.write(frame{Type: frameSubscribe, Channel: ch}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActiveConversation returns the conversation whose channels are subscribed.
func (r *Router) ActiveConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// EmitSend emits an outbound message on the sendMessage channel. Returns
// ErrDisconnected while offline.
func (r *Router) EmitSend(p *SendMessagePayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.write(frame{Type: frameEmit, Channel: SendMessageChannel, Payload: payload})
}

func (r *Router) subscribeAll(active string) error {
	channels := []string{
		MessagesRetrievedChannel(r.userID),
		NewMessageChannel(r.userID),
	}
	if active != "" {
		channels = append(channels, conversationChannels(active)...)
	}
	for _, ch := range channels {
		if err := r.write(frame{Type: frameSubscribe, Channel: ch}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) write(f frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrDisconnected
	}
	return r.conn.WriteJSON(f)
}

func (r *Router) transition(to status.State) {
	if r.machine == nil || r.machine.Current() == to {
		return
	}
	if err := r.machine.Transition(to); err != nil {
		r.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func conversationChannels(convID string) []string {
	return []string{
		MessageSentChannel(convID),
		MessageReceivedChannel(convID),
		MessagesReadChannel(convID),
	}
}
