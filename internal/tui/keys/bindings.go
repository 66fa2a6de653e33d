package keys

import "github.com/gdamore/tcell/v2"

// ScopeGlobal applies a binding on every page.
const ScopeGlobal = "*"

// Binding maps one key to a handler within a page scope. A Hint, when set,
// is shown in the status line for that page.
type Binding struct {
	Scope string
	Key   tcell.Key
	Rune  rune
	Hint  string
	Run   func()
}

func (b *Binding) matches(ev *tcell.EventKey) bool {
	if b.Key == tcell.KeyRune {
		return ev.Key() == tcell.KeyRune && ev.Rune() == b.Rune
	}
	return ev.Key() == b.Key
}

// Registry dispatches key events to bindings. Bindings run in registration
// order, page scope before global, first match wins.
type Registry struct {
	bindings []*Binding
}

// NewRegistry creates an empty binding registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Bind registers a binding.
func (r *Registry) Bind(b *Binding) {
	r.bindings = append(r.bindings, b)
}

// Hints returns the hint strings active for a page, page scope first.
func (r *Registry) Hints(scope string) []string {
	var out []string
	for _, b := range r.bindings {
		if b.Scope == scope && b.Hint != "" {
			out = append(out, b.Hint)
		}
	}
	for _, b := range r.bindings {
		if b.Scope == ScopeGlobal && b.Hint != "" {
			out = append(out, b.Hint)
		}
	}
	return out
}

// HandleEvent runs the first binding matching the event in the given scope.
// Returns true if a handler ran.
func (r *Registry) HandleEvent(scope string, ev *tcell.EventKey) bool {
	for _, b := range r.bindings {
		if b.Scope == scope && b.matches(ev) {
			b.Run()
			return true
		}
	}
	for _, b := range r.bindings {
		if b.Scope == ScopeGlobal && b.matches(ev) {
			b.Run()
			return true
		}
	}
	return false
}
