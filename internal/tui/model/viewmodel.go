package model

import (
	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/registry"
)

// Row is one conversation as the list renders it.
type Row struct {
	ID          string
	Name        string
	Kind        conv.Kind
	Unread      int
	LastAt      int64
	LastPreview string
}

// ViewModel reads registry snapshots into display shapes. It holds no
// message state of its own; the registry stays the single owner.
type ViewModel struct {
	selfID string
	reg    *registry.Registry

	Flash Flash
}

// NewViewModel creates a view model over the registry.
func NewViewModel(selfID string, reg *registry.Registry) *ViewModel {
	return &ViewModel{selfID: selfID, reg: reg}
}

// SelfID returns the local user id.
func (vm *ViewModel) SelfID() string {
	return vm.selfID
}

// Rows returns the conversation list, newest activity first.
func (vm *ViewModel) Rows() []Row {
	convs := vm.reg.List()
	rows := make([]Row, 0, len(convs))
	for _, c := range convs {
		d := conv.Resolve(c, vm.selfID)
		row := Row{
			ID:     c.ID,
			Name:   d.Name,
			Kind:   c.Kind,
			Unread: c.UnreadCount,
			LastAt: c.LastMessageAt,
		}
		if msgs := vm.reg.Messages(c.ID); len(msgs) > 0 {
			row.LastPreview = preview(msgs[len(msgs)-1])
		}
		rows = append(rows, row)
	}
	return rows
}

// Messages returns the ordered messages of a conversation.
func (vm *ViewModel) Messages(convID string) []*conv.Message {
	return vm.reg.Messages(convID)
}

// Display resolves a conversation's header line.
func (vm *ViewModel) Display(convID string) conv.Display {
	c, ok := vm.reg.Conversation(convID)
	if !ok {
		return conv.Display{Name: convID}
	}
	return conv.Resolve(c, vm.selfID)
}

// LastFailed returns the newest failed message of a conversation, if any.
func (vm *ViewModel) LastFailed(convID string) *conv.Message {
	msgs := vm.reg.Messages(convID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Delivery == conv.DeliveryFailed {
			return msgs[i]
		}
	}
	return nil
}

func preview(m *conv.Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return "[file]"
	}
	return ""
}
