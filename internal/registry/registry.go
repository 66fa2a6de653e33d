package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dmelo/chirp/internal/conv"
	"go.uber.org/zap"
)

// Registry is the single owner of per-conversation message lists. All
// mutation goes through it; every other component reads snapshots. Records
// are copied on the way in and on the way out, so no caller ever shares
// memory with held state. Within a conversation, order is re-derived from
// (created_at, id), never from arrival order, so a history page landing
// after a live message merges below it.
type Registry struct {
	mu     sync.RWMutex
	selfID string
	logger *zap.Logger
	convs  map[string]*entry
	active string
}

type entry struct {
	conv  *conv.Conversation
	msgs  []*conv.Message
	index map[string]int // message id (and temp id while pending) → position
}

// New creates an empty registry for the given local user.
func New(selfID string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		selfID: selfID,
		logger: logger,
		convs:  make(map[string]*entry),
	}
}

// Put registers or updates a conversation, keeping any messages already held.
func (r *Registry) Put(c *conv.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneConversation(c)
	if e, ok := r.convs[c.ID]; ok {
		e.conv = cp
		return
	}
	r.convs[c.ID] = &entry{conv: cp, index: make(map[string]int)}
}

// Conversation returns a copy of the conversation record, if held.
func (r *Registry) Conversation(id string) (*conv.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.convs[id]
	if !ok {
		return nil, false
	}
	return cloneConversation(e.conv), true
}

// Drop forgets a conversation and everything held for it, used after the
// local user leaves a group.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	if r.active == id {
		r.active = ""
	}
}

// List returns all conversations ordered by last activity, newest first.
func (r *Registry) List() []*conv.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conv.Conversation, 0, len(r.convs))
	for _, e := range r.convs {
		out = append(out, cloneConversation(e.conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetActive marks a conversation as focused. Focus clears its unread count;
// events for other conversations keep accumulating unread.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
	if e, ok := r.convs[id]; ok {
		e.conv.UnreadCount = 0
	}
}

// ActiveID returns the focused conversation id, or empty.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Upsert inserts a message into its conversation, keeping (created_at, id)
// order. A message whose TempID matches a held pending entry replaces that
// entry at the same position, so the acknowledged message never produces a
// second bubble. A message whose ID is already held updates in place.
// Returns StaleEventError for unknown conversations.
func (r *Registry) Upsert(convID string, m *conv.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return &StaleEventError{ConversationID: convID}
	}

	cp := cloneMessage(m)
	if cp.TempID != "" {
		if pos, held := e.index[cp.TempID]; held {
			e.replaceAt(pos, cp)
			r.touch(e, cp, false)
			return nil
		}
	}
	if pos, held := e.index[cp.ID]; held {
		e.replaceAt(pos, cp)
		return nil
	}

	e.insertSorted(cp)
	r.touch(e, cp, true)
	return nil
}

// Prepend merges a page of older history into the conversation, skipping any
// ids already held. Returns how many messages were added.
func (r *Registry) Prepend(convID string, older []*conv.Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return 0, &StaleEventError{ConversationID: convID}
	}

	added := 0
	for _, m := range older {
		if _, held := e.index[m.ID]; held {
			continue
		}
		if m.TempID != "" {
			if _, held := e.index[m.TempID]; held {
				continue
			}
		}
		e.insertSorted(cloneMessage(m))
		if m.CreatedAt > e.conv.LastMessageAt {
			e.conv.LastMessageAt = m.CreatedAt
		}
		added++
	}
	return added, nil
}

// Messages returns an ordered snapshot of the conversation's messages. The
// snapshot is a deep copy; it stays stable while the registry keeps moving.
func (r *Registry) Messages(convID string) []*conv.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.convs[convID]
	if !ok {
		return nil
	}
	out := make([]*conv.Message, len(e.msgs))
	for i, m := range e.msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

// ResolvePending swaps a pending optimistic message for its server-assigned
// counterpart, preserving the array position.
func (r *Registry) ResolvePending(convID, tempID string, ack *conv.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return &StaleEventError{ConversationID: convID}
	}
	pos, held := e.index[tempID]
	if !held {
		return fmt.Errorf("no pending message %q in conversation %q", tempID, convID)
	}
	cp := cloneMessage(ack)
	cp.Delivery = conv.DeliverySent
	e.replaceAt(pos, cp)
	r.touch(e, cp, false)
	return nil
}

// MarkFailed flips a pending message to FAILED so the UI can offer retry.
// A message already resolved by an ack or its own echo is left alone.
func (r *Registry) MarkFailed(convID, tempID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return &StaleEventError{ConversationID: convID}
	}
	pos, held := e.index[tempID]
	if !held {
		return fmt.Errorf("no pending message %q in conversation %q", tempID, convID)
	}
	if e.msgs[pos].Delivery != conv.DeliveryPending {
		return nil
	}
	e.msgs[pos].Delivery = conv.DeliveryFailed
	return nil
}

// MarkPending flips a failed message back to PENDING ahead of a retry.
func (r *Registry) MarkPending(convID, tempID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return &StaleEventError{ConversationID: convID}
	}
	pos, held := e.index[tempID]
	if !held {
		return fmt.Errorf("no pending message %q in conversation %q", tempID, convID)
	}
	if e.msgs[pos].Delivery != conv.DeliveryFailed {
		return fmt.Errorf("message %q in conversation %q is not failed", tempID, convID)
	}
	e.msgs[pos].Delivery = conv.DeliveryPending
	return nil
}

// Remove deletes a message, used to unwind optimistic state after upload
// cancellation or validation failure.
func (r *Registry) Remove(convID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return &StaleEventError{ConversationID: convID}
	}
	pos, held := e.index[id]
	if !held {
		return nil
	}
	e.msgs = append(e.msgs[:pos], e.msgs[pos+1:]...)
	e.reindex(pos)
	delete(e.index, id)
	return nil
}

// MarkRead applies a read receipt: every message authored by the local user
// in the conversation is marked read by readerID. Returns how many messages
// changed.
func (r *Registry) MarkRead(convID, readerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[convID]
	if !ok {
		return 0, &StaleEventError{ConversationID: convID}
	}
	changed := 0
	for _, m := range e.msgs {
		if m.FromMe && !m.IsReadBy(readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
			changed++
		}
	}
	return changed, nil
}

// touch applies the shared mutation side effects: last-activity bump and,
// for inserts authored by someone else while the conversation is not focused,
// the unread increment.
func (r *Registry) touch(e *entry, m *conv.Message, inserted bool) {
	if m.CreatedAt > e.conv.LastMessageAt {
		e.conv.LastMessageAt = m.CreatedAt
	}
	if inserted && !m.FromMe && r.active != e.conv.ID {
		e.conv.UnreadCount++
	}
}

func (e *entry) insertSorted(m *conv.Message) {
	pos := sort.Search(len(e.msgs), func(i int) bool {
		return m.Before(e.msgs[i])
	})
	e.msgs = append(e.msgs, nil)
	copy(e.msgs[pos+1:], e.msgs[pos:])
	e.msgs[pos] = m
	e.reindex(pos)
}

// replaceAt swaps the message at pos without moving it. The old entry's ids
// are dropped from the index; pending temp ids stay resolvable until then.
func (e *entry) replaceAt(pos int, m *conv.Message) {
	old := e.msgs[pos]
	delete(e.index, old.ID)
	if old.TempID != "" {
		delete(e.index, old.TempID)
	}
	e.msgs[pos] = m
	e.index[m.ID] = pos
	if m.TempID != "" && m.TempID != m.ID {
		e.index[m.TempID] = pos
	}
}

func cloneMessage(m *conv.Message) *conv.Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if len(m.ReadBy) > 0 {
		cp.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return &cp
}

func cloneConversation(c *conv.Conversation) *conv.Conversation {
	cp := *c
	if len(c.Participants) > 0 {
		cp.Participants = append([]conv.Participant(nil), c.Participants...)
	}
	return &cp
}

// reindex rebuilds index entries for positions >= from.
func (e *entry) reindex(from int) {
	for i := from; i < len(e.msgs); i++ {
		m := e.msgs[i]
		e.index[m.ID] = i
		if m.TempID != "" && m.TempID != m.ID {
			e.index[m.TempID] = i
		}
	}
}
