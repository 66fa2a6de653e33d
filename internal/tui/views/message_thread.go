package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/tui/ui"
)

// MessageThread renders the open conversation's messages. It implements the
// pagination controller's viewport: heights and offsets are in buffer lines,
// offset measured from the top, so inserting history above the fold can be
// compensated exactly.
type MessageThread struct {
	*tview.TextView
	theme     *ui.Theme
	title     string
	lineCount int

	fetch        func() []*conv.Message
	onTopReached func()
}

// NewMessageThread creates a new message thread view. fetch returns the
// current ordered snapshot to render.
func NewMessageThread(theme *ui.Theme, fetch func() []*conv.Message) *MessageThread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Messages ")
	tv.SetTitleColor(theme.TitleColor)

	mt := &MessageThread{TextView: tv, theme: theme, fetch: fetch}

	tv.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyUp || event.Key() == tcell.KeyPgUp {
			if mt.ScrollOffset() == 0 && mt.onTopReached != nil {
				mt.onTopReached()
				return nil
			}
		}
		return event
	})
	return mt
}

// SetOnTopReached registers the callback fired when the user scrolls past
// the first rendered line.
func (mt *MessageThread) SetOnTopReached(fn func()) {
	mt.onTopReached = fn
}

// SetTitleName updates the thread title.
func (mt *MessageThread) SetTitleName(name string) {
	mt.title = name
	mt.SetTitle(fmt.Sprintf(" %s ", name))
}

// Render redraws the thread from the current snapshot.
func (mt *MessageThread) Render() {
	mt.Clear()

	var b strings.Builder
	lines := 0
	for _, m := range mt.fetch() {
		block := mt.formatMessage(m)
		b.WriteString(block)
		lines += strings.Count(block, "\n")
	}
	_, _ = fmt.Fprint(mt, b.String())
	mt.lineCount = lines
}

func (mt *MessageThread) formatMessage(m *conv.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if m.FromMe {
		sender = "You"
	}

	header := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n",
		tview.Escape(sanitizeForTerminal(sender)),
		formatTimestamp(m.CreatedAt),
		mt.deliveryMark(m))

	body := m.Body
	if m.Attachment != nil {
		name := m.Attachment.Name
		if name == "" {
			name = m.Attachment.URL
		}
		if body != "" {
			body += "\n"
		}
		body += fmt.Sprintf("[%s]", name)
	}
	return header + tview.Escape(sanitizeForTerminal(body)) + "\n\n"
}

func (mt *MessageThread) deliveryMark(m *conv.Message) string {
	if !m.FromMe {
		return ""
	}
	switch m.Delivery {
	case conv.DeliveryPending:
		return " [gray]…[-]"
	case conv.DeliveryFailed:
		return " [orangered]send failed, r to retry[-]"
	default:
		if len(m.ReadBy) > 0 {
			return " [aqua]✓✓[-]"
		}
		return " ✓"
	}
}

// ContentHeight returns the rendered buffer height in lines.
func (mt *MessageThread) ContentHeight() int {
	return mt.lineCount
}

// ScrollOffset returns the first visible line, from the top.
func (mt *MessageThread) ScrollOffset() int {
	row, _ := mt.GetScrollOffset()
	return row
}

// SetScrollOffset scrolls so the given line is the first visible one.
func (mt *MessageThread) SetScrollOffset(offset int) {
	mt.ScrollTo(offset, 0)
}

// DistanceFromBottom returns how many lines below the viewport remain.
func (mt *MessageThread) DistanceFromBottom() int {
	_, _, _, height := mt.GetInnerRect()
	d := mt.lineCount - height - mt.ScrollOffset()
	if d < 0 {
		return 0
	}
	return d
}

// ScrollToBottom jumps to the newest message.
func (mt *MessageThread) ScrollToBottom() {
	mt.ScrollToEnd()
}
