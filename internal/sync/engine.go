package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/registry"
	"github.com/dmelo/chirp/internal/rest"
	"github.com/dmelo/chirp/internal/store"
	"github.com/dmelo/chirp/internal/ws"
)

// Bus kinds announcing registry changes to the UI.
const (
	KindMessageUpserted     = "message.upserted"
	KindMessagesRead        = "message.read"
	KindConversationUpdated = "conversation.updated"
)

// MessageUpdate is the payload for message.upserted and message.read.
type MessageUpdate struct {
	ConversationID string
	Message        *conv.Message
}

// Pager receives history pages and live messages for the open conversation.
type Pager interface {
	HandlePage(convID string, msgs []*conv.Message) error
	OnLiveMessage(m *conv.Message)
}

// Client is the REST surface the engine drives, satisfied by *rest.Client.
type Client interface {
	RetrieveMessages(ctx context.Context, target rest.Target, page int) error
	CreateGroupChat(ctx context.Context, name string, memberIDs []string) (*rest.Group, error)
	UpdateGroupChat(ctx context.Context, groupID, name string, memberIDs []string) (*rest.Group, error)
	LeaveGroupChat(ctx context.Context, groupID string) error
}

// Group mutation refusals, decided locally before any backend call.
var (
	ErrNotAdmin = errors.New("only a group admin can change the group")
	ErrNotGroup = errors.New("not a group conversation")
)

// Engine consumes parsed socket events and applies them to the registry and
// the local cache. It is the only writer downstream of the router, so every
// ordering and dedup rule is enforced in one place.
type Engine struct {
	selfID string
	bus    *bus.Bus
	reg    *registry.Registry
	db     *store.DB
	pager  Pager
	client Client
	logger *zap.Logger

	sub  *bus.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewEngine creates an engine. Call Start to begin consuming events.
func NewEngine(selfID string, b *bus.Bus, reg *registry.Registry, db *store.DB, pager Pager, client Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		selfID: selfID,
		bus:    b,
		reg:    reg,
		db:     db,
		pager:  pager,
		client: client,
		logger: logger.Named("sync"),
	}
}

// SetPager wires the pagination controller in. Must happen before Start;
// it exists because the UI that owns the pager is built after the engine.
func (e *Engine) SetPager(p Pager) {
	e.pager = p
}

// Bootstrap loads cached conversations into the registry so the list renders
// before the socket comes up, and restores unsent outbox entries as FAILED
// messages so retry survives a restart. Sends still marked in flight by a
// previous process are failed first; their ack can no longer arrive.
func (e *Engine) Bootstrap() error {
	if n, err := e.db.FailStaleOutbox(); err != nil {
		e.logger.Warn("sweep outbox", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("failed interrupted sends", zap.Int64("count", n))
	}

	convs, err := e.db.ListConversations(200, 0)
	if err != nil {
		return err
	}
	restored := 0
	for i := range convs {
		parts, err := e.db.Participants(convs[i].ID)
		if err != nil {
			return err
		}
		e.reg.Put(convs[i].ToConvConversation(parts))

		entries, err := e.db.FailedOutbox(convs[i].ID)
		if err != nil {
			return err
		}
		for j := range entries {
			if err := e.reg.Upsert(convs[i].ID, outboxMessage(&entries[j], e.selfID)); err != nil {
				e.logger.Warn("restore outbox entry", zap.String("temp_id", entries[j].TempID), zap.Error(err))
				continue
			}
			restored++
		}
	}
	e.logger.Info("bootstrapped from cache",
		zap.Int("conversations", len(convs)), zap.Int("restored_sends", restored))
	return nil
}

// SeedFromCache fills a conversation's thread from the local cache so it
// renders immediately, before the first history page arrives. Cached
// optimistic rows whose send never completed come back as FAILED under
// their temp id, keeping retry available.
func (e *Engine) SeedFromCache(convID string, limit int) (int, error) {
	rows, err := e.db.ListMessages(convID, 0, limit)
	if err != nil {
		return 0, err
	}
	msgs := make([]*conv.Message, 0, len(rows))
	for i := range rows {
		m := rows[i].ToConv()
		if m.FromMe && m.Delivery != conv.DeliverySent {
			m.TempID = m.ID
			m.Delivery = conv.DeliveryFailed
		}
		msgs = append(msgs, m)
	}
	return e.reg.Prepend(convID, msgs)
}

// RequestPage asks the backend for one backward history page. The page
// itself arrives later as a socket event.
func (e *Engine) RequestPage(ctx context.Context, convID string, page int) error {
	c, ok := e.reg.Conversation(convID)
	if !ok {
		return &registry.StaleEventError{ConversationID: convID}
	}
	return e.client.RetrieveMessages(ctx, targetFor(c, e.selfID), page)
}

// Start subscribes to router output.
func (e *Engine) Start() {
	e.sub = e.bus.Subscribe("socket.", 256)
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop()
}

// Stop ends event consumption.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.sub.Close()
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case evt := <-e.sub.C():
			e.dispatch(evt)
		}
	}
}

func (e *Engine) dispatch(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *ws.HistoryPage:
		e.applyHistory(p)
	case *ws.Inbound:
		e.applyInbound(p)
	case *ws.ReadReceipt:
		e.applyReadReceipt(p)
	}
}

func (e *Engine) applyHistory(p *ws.HistoryPage) {
	msgs := p.ToMessages(e.selfID)
	if err := e.db.BatchUpsertMessages(toRows(msgs)); err != nil {
		e.logger.Warn("cache history page", zap.Error(err))
	}
	if e.pager != nil {
		if err := e.pager.HandlePage(p.ConversationID, msgs); err != nil {
			e.logger.Warn("apply history page", zap.Error(err))
			return
		}
	}
	e.bus.Emit(KindConversationUpdated, p.ConversationID)
}

func (e *Engine) applyInbound(p *ws.Inbound) {
	m := p.Message.ToMessage(e.selfID)
	convID := p.ConversationID
	if convID == "" {
		convID = m.ConversationID
	}
	m.ConversationID = convID

	err := e.reg.Upsert(convID, m)
	var stale *registry.StaleEventError
	if errors.As(err, &stale) {
		// First contact from a conversation the client has never seen.
		e.adoptConversation(convID, m)
		err = e.reg.Upsert(convID, m)
	}
	if err != nil {
		e.logger.Warn("upsert inbound", zap.Error(err))
		return
	}

	if err := e.db.UpsertMessage(store.FromConv(m)); err != nil {
		e.logger.Warn("cache inbound", zap.Error(err))
	}
	if e.pager != nil && e.reg.ActiveID() == convID {
		e.pager.OnLiveMessage(m)
	}
	e.bus.Emit(KindMessageUpserted, MessageUpdate{ConversationID: convID, Message: m})
	e.bus.Emit(KindConversationUpdated, convID)
}

func (e *Engine) applyReadReceipt(p *ws.ReadReceipt) {
	changed, err := e.reg.MarkRead(p.ConversationID, p.ReadBy)
	if err != nil {
		e.logger.Debug("read receipt for unknown conversation", zap.String("conversation", p.ConversationID))
		return
	}
	if changed > 0 {
		e.bus.Emit(KindMessagesRead, MessageUpdate{ConversationID: p.ConversationID})
	}
}

// CreateGroup creates a group on the backend and registers it locally. The
// backend marks the creator as admin; the local record mirrors that without
// waiting for a membership event.
func (e *Engine) CreateGroup(ctx context.Context, name string, memberIDs []string) (*conv.Conversation, error) {
	g, err := e.client.CreateGroupChat(ctx, name, memberIDs)
	if err != nil {
		return nil, err
	}
	c := e.groupConversation(g, nil)
	e.applyGroup(c)
	e.logger.Info("group created", zap.String("group", g.ID), zap.Int("members", len(c.Participants)))
	return c, nil
}

// UpdateGroup renames a group or replaces its member list. Refused locally
// unless the local user is a group admin. A nil member list keeps the
// current membership.
func (e *Engine) UpdateGroup(ctx context.Context, groupID, name string, memberIDs []string) (*conv.Conversation, error) {
	prev, ok := e.reg.Conversation(groupID)
	if !ok {
		return nil, &registry.StaleEventError{ConversationID: groupID}
	}
	caps := conv.ResolveCapabilities(prev, e.selfID)
	if !caps.IsAdmin {
		if prev.Kind != conv.KindGroup {
			return nil, ErrNotGroup
		}
		return nil, ErrNotAdmin
	}

	g, err := e.client.UpdateGroupChat(ctx, groupID, name, memberIDs)
	if err != nil {
		return nil, err
	}
	c := e.groupConversation(g, prev)
	e.applyGroup(c)
	return c, nil
}

// LeaveGroup removes the local user from a group and forgets it locally.
func (e *Engine) LeaveGroup(ctx context.Context, groupID string) error {
	c, ok := e.reg.Conversation(groupID)
	if !ok {
		return &registry.StaleEventError{ConversationID: groupID}
	}
	if !conv.ResolveCapabilities(c, e.selfID).CanLeave {
		return ErrNotGroup
	}
	if err := e.client.LeaveGroupChat(ctx, groupID); err != nil {
		return err
	}
	e.reg.Drop(groupID)
	if err := e.db.DeleteConversation(groupID); err != nil {
		e.logger.Warn("drop cached conversation", zap.Error(err))
	}
	e.bus.Emit(KindConversationUpdated, groupID)
	e.logger.Info("left group", zap.String("group", groupID))
	return nil
}

// groupConversation maps the backend's group record onto the local shape,
// keeping participant metadata and activity counters already held for it.
func (e *Engine) groupConversation(g *rest.Group, prev *conv.Conversation) *conv.Conversation {
	known := make(map[string]conv.Participant)
	if prev != nil {
		for _, p := range prev.Participants {
			known[p.UserID] = p
		}
	}
	c := &conv.Conversation{ID: g.ID, Kind: conv.KindGroup, Name: g.Name}
	if prev != nil {
		c.CoverURL = prev.CoverURL
		c.LastMessageAt = prev.LastMessageAt
		c.UnreadCount = prev.UnreadCount
	}
	self := false
	for _, id := range g.Members {
		p, ok := known[id]
		if !ok {
			p = conv.Participant{UserID: id}
		}
		if id == e.selfID {
			self = true
			if prev == nil {
				p.Admin = true
			}
		}
		c.Participants = append(c.Participants, p)
	}
	// Some backends omit the creator from the member list they echo back.
	if !self && prev == nil {
		c.Participants = append(c.Participants, conv.Participant{UserID: e.selfID, Admin: true})
	}
	return c
}

func (e *Engine) applyGroup(c *conv.Conversation) {
	e.reg.Put(c)
	row := &store.Conversation{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Name:          c.Name,
		CoverURL:      c.CoverURL,
		LastMessageAt: c.LastMessageAt,
	}
	if err := e.db.UpsertConversation(row); err != nil {
		e.logger.Warn("cache conversation", zap.Error(err))
	}
	parts := make([]store.Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		parts = append(parts, store.Participant{
			ConversationID: c.ID,
			UserID:         p.UserID,
			Name:           p.Name,
			AvatarURL:      p.AvatarURL,
			Admin:          p.Admin,
			JoinedAt:       p.JoinedAt,
		})
	}
	if err := e.db.ReplaceParticipants(c.ID, parts); err != nil {
		e.logger.Warn("cache participants", zap.Error(err))
	}
	e.bus.Emit(KindConversationUpdated, c.ID)
}

func (e *Engine) adoptConversation(convID string, m *conv.Message) {
	c := &conv.Conversation{
		ID:   convID,
		Kind: conv.KindDirect,
		Participants: []conv.Participant{
			{UserID: e.selfID},
			{UserID: m.SenderID, Name: m.SenderName},
		},
	}
	e.reg.Put(c)
	if err := e.db.UpsertConversation(&store.Conversation{ID: convID, Kind: string(c.Kind)}); err != nil {
		e.logger.Warn("cache conversation", zap.Error(err))
	}
}

func targetFor(c *conv.Conversation, selfID string) rest.Target {
	if c.Kind == conv.KindGroup {
		return rest.Target{ChatGroup: c.ID}
	}
	if buddy := conv.Buddy(c, selfID); buddy != nil {
		return rest.Target{ChatBuddy: buddy.UserID}
	}
	return rest.Target{ChatBuddy: c.ID}
}

// outboxMessage rebuilds the optimistic message an outbox entry stood for.
func outboxMessage(en *store.OutboxEntry, selfID string) *conv.Message {
	m := &conv.Message{
		ID:             en.TempID,
		TempID:         en.TempID,
		ConversationID: en.ConversationID,
		SenderID:       selfID,
		Body:           en.Body,
		CreatedAt:      en.CreatedAt,
		FromMe:         true,
		Delivery:       conv.DeliveryFailed,
	}
	if en.AttachmentURL != "" {
		m.Attachment = &conv.Attachment{URL: en.AttachmentURL, MimeType: en.AttachmentMime}
	}
	return m
}

func toRows(msgs []*conv.Message) []*store.Message {
	rows := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, store.FromConv(m))
	}
	return rows
}
