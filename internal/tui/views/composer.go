package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for sending messages. A line starting with "/"
// runs a command ("/file", "/group", "/rename", "/invite", "/leave")
// instead of sending text.
type Composer struct {
	*tview.InputField
	onSend    func(text string)
	onCommand func(name, args string)
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.GetText())
		if text == "" {
			return
		}
		if rest, ok := strings.CutPrefix(text, "/"); ok {
			name, args, _ := strings.Cut(rest, " ")
			if c.onCommand != nil && name != "" {
				c.onCommand(name, strings.TrimSpace(args))
				c.SetText("")
			}
			return
		}
		if c.onSend != nil {
			c.onSend(text)
			c.SetText("")
		}
	})

	return c
}

// SetOnSend sets the callback when a text message is sent.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SetOnCommand sets the callback for "/" commands.
func (c *Composer) SetOnCommand(fn func(name, args string)) {
	c.onCommand = fn
}
