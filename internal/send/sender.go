package send

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/registry"
	"github.com/dmelo/chirp/internal/status"
	"github.com/dmelo/chirp/internal/store"
	"github.com/dmelo/chirp/internal/ws"
)

// Bus kinds announcing send lifecycle changes.
const (
	KindPending = "send.pending"
	KindAcked   = "send.acked"
	KindFailed  = "send.failed"
)

// Update is the payload for send lifecycle events.
type Update struct {
	ConversationID string
	TempID         string
	Message        *conv.Message
}

// Emitter is the socket half of the pipeline, satisfied by *ws.Router.
type Emitter interface {
	EmitSend(p *ws.SendMessagePayload) error
}

// Sender runs the optimistic send pipeline: a message appears immediately
// with a temp id and PENDING status, and either the server ack resolves it
// in place or a bounded timer flips it to FAILED for a user-driven retry.
type Sender struct {
	selfID  string
	reg     *registry.Registry
	db      *store.DB
	emit    Emitter
	machine *status.Machine
	bus     *bus.Bus
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	sub  *bus.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewSender creates a sender. Call Start to begin consuming acknowledgments.
func NewSender(selfID string, reg *registry.Registry, db *store.DB, emit Emitter, machine *status.Machine, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		selfID:  selfID,
		reg:     reg,
		db:      db,
		emit:    emit,
		machine: machine,
		bus:     b,
		timeout: timeout,
		logger:  logger.Named("send"),
		pending: make(map[string]*time.Timer),
	}
}

// Start subscribes to socket acknowledgments. The subscription covers both
// the messageSent ack and inbound messages, because the server may deliver
// our own message as an echo on messageReceived before (or instead of) the
// ack, and that echo settles the pending timer too.
func (s *Sender) Start() {
	s.sub = s.bus.Subscribe("socket.message_", 64)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.ackLoop()
}

// Stop ends the ack loop and cancels outstanding timers.
func (s *Sender) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.sub.Close()
	<-s.done

	s.mu.Lock()
	for tempID, timer := range s.pending {
		timer.Stop()
		delete(s.pending, tempID)
	}
	s.mu.Unlock()
}

// Send dispatches a message to a conversation. Either text or an attachment
// must be present, and the socket must be connected; otherwise the send is
// refused outright rather than queued.
func (s *Sender) Send(convID, text string, attachment *conv.Attachment) (*conv.Message, error) {
	if text == "" && attachment == nil {
		return nil, ErrEmptyMessage
	}
	if !s.machine.Online() {
		return nil, ErrOffline
	}
	c, ok := s.reg.Conversation(convID)
	if !ok {
		return nil, ErrUnknownConversation
	}

	tempID := "tmp-" + uuid.NewString()
	m := &conv.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: convID,
		SenderID:       s.selfID,
		Body:           text,
		Attachment:     attachment,
		CreatedAt:      time.Now().UnixMilli(),
		FromMe:         true,
		Delivery:       conv.DeliveryPending,
	}
	if err := s.reg.Upsert(convID, m); err != nil {
		return nil, err
	}
	s.cache(m)
	if err := s.queueOutbox(m); err != nil {
		s.logger.Warn("outbox insert failed", zap.Error(err))
	}

	if err := s.dispatch(c, m); err != nil {
		s.fail(convID, tempID, err.Error())
		return m, err
	}
	s.bus.Emit(KindPending, Update{ConversationID: convID, TempID: tempID, Message: m})
	return m, nil
}

// Retry re-sends a failed message under its original temp id. An uploaded
// attachment reference is reused as-is; the file is never uploaded again.
func (s *Sender) Retry(convID, tempID string) error {
	if !s.machine.Online() {
		return ErrOffline
	}
	c, ok := s.reg.Conversation(convID)
	if !ok {
		return ErrUnknownConversation
	}

	var m *conv.Message
	for _, held := range s.reg.Messages(convID) {
		if held.TempID == tempID {
			m = held
			break
		}
	}
	if m == nil || m.Delivery != conv.DeliveryFailed {
		return &StaleRetryError{TempID: tempID}
	}
	if err := s.reg.MarkPending(convID, tempID); err != nil {
		return &StaleRetryError{TempID: tempID}
	}
	m.Delivery = conv.DeliveryPending
	_ = s.db.SetMessageDelivery(convID, tempID, string(conv.DeliveryPending))
	_ = s.db.MarkOutboxSending(tempID)
	if err := s.dispatch(c, m); err != nil {
		s.fail(convID, tempID, err.Error())
		return err
	}
	s.bus.Emit(KindPending, Update{ConversationID: convID, TempID: tempID, Message: m})
	return nil
}

func (s *Sender) dispatch(c *conv.Conversation, m *conv.Message) error {
	payload := &ws.SendMessagePayload{
		TempID:  m.TempID,
		Message: m.Body,
	}
	if c.Kind == conv.KindGroup {
		payload.ChatGroup = c.ID
	} else if buddy := conv.Buddy(c, s.selfID); buddy != nil {
		payload.ChatBuddy = buddy.UserID
	} else {
		payload.ChatBuddy = c.ID
	}
	if m.Attachment != nil {
		payload.FileURL = m.Attachment.URL
		payload.FileMime = m.Attachment.MimeType
	}

	if err := s.emit.EmitSend(payload); err != nil {
		return err
	}
	s.armTimer(c.ID, m.TempID)
	return nil
}

func (s *Sender) armTimer(convID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[tempID]; ok {
		old.Stop()
	}
	s.pending[tempID] = time.AfterFunc(s.timeout, func() {
		s.onTimeout(convID, tempID)
	})
}

func (s *Sender) disarmTimer(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.pending[tempID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.pending, tempID)
	return true
}

func (s *Sender) onTimeout(convID, tempID string) {
	if !s.disarmTimer(tempID) {
		return
	}
	err := &AckTimeoutError{TempID: tempID}
	s.logger.Warn("send timed out", zap.String("temp_id", tempID))
	s.fail(convID, tempID, err.Error())
}

func (s *Sender) fail(convID, tempID, reason string) {
	if err := s.reg.MarkFailed(convID, tempID); err != nil {
		s.logger.Warn("mark failed", zap.Error(err))
	}
	_ = s.db.SetMessageDelivery(convID, tempID, string(conv.DeliveryFailed))
	_ = s.db.MarkOutboxFailed(tempID, reason)
	s.bus.Emit(KindFailed, Update{ConversationID: convID, TempID: tempID})
}

func (s *Sender) ackLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case evt := <-s.sub.C():
			switch p := evt.Payload.(type) {
			case *ws.SentAck:
				s.handleAck(p)
			case *ws.Inbound:
				s.handleEcho(p)
			}
		}
	}
}

func (s *Sender) handleAck(ack *ws.SentAck) {
	if !s.disarmTimer(ack.TempID) {
		// Late ack for a message already failed, already resolved by its
		// own echo, or never ours.
		s.logger.Debug("unmatched ack", zap.String("temp_id", ack.TempID))
		return
	}

	m := ack.Message.ToMessage(s.selfID)
	m.TempID = ack.TempID
	if err := s.reg.ResolvePending(ack.ConversationID, ack.TempID, m); err != nil {
		s.logger.Warn("resolve pending", zap.Error(err))
		return
	}
	_ = s.db.ResolveTempID(ack.ConversationID, ack.TempID, m.ID)
	_ = s.db.MarkOutboxSent(ack.TempID, m.ID)
	s.bus.Emit(KindAcked, Update{ConversationID: ack.ConversationID, TempID: ack.TempID, Message: m})
}

// handleEcho settles the pending timer when the server delivers our own
// message through messageReceived. The registry bubble is resolved by the
// sync engine upserting the echo under its temp id; only the timer and the
// outbox are this component's to clean up.
func (s *Sender) handleEcho(p *ws.Inbound) {
	m := p.Message.ToMessage(s.selfID)
	if !m.FromMe || m.TempID == "" {
		return
	}
	if !s.disarmTimer(m.TempID) {
		return
	}
	convID := p.ConversationID
	if convID == "" {
		convID = m.ConversationID
	}
	_ = s.db.ResolveTempID(convID, m.TempID, m.ID)
	_ = s.db.MarkOutboxSent(m.TempID, m.ID)
	s.bus.Emit(KindAcked, Update{ConversationID: convID, TempID: m.TempID, Message: m})
}

// cache mirrors the optimistic message into the local database.
func (s *Sender) cache(m *conv.Message) {
	if err := s.db.UpsertMessage(store.FromConv(m)); err != nil {
		s.logger.Warn("cache message", zap.Error(err))
	}
}

func (s *Sender) queueOutbox(m *conv.Message) error {
	e := &store.OutboxEntry{
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		Body:           m.Body,
	}
	if m.Attachment != nil {
		e.AttachmentURL = m.Attachment.URL
		e.AttachmentMime = m.Attachment.MimeType
	}
	return s.db.QueueOutbox(e)
}
