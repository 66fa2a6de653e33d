package model

import (
	"sync"
	"time"
)

// flashTTL is how long a status line notice stays visible.
const flashTTL = 5 * time.Second

type flashLevel int

const (
	flashInfo flashLevel = iota
	flashError
)

// Flash holds the transient status line notice. Errors displace whatever is
// showing; an info message never displaces a live error.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   flashLevel
	expires time.Time
}

// Info shows an informational notice unless an error is still visible.
func (f *Flash) Info(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.level == flashError && time.Now().Before(f.expires) {
		return
	}
	f.message = msg
	f.level = flashInfo
	f.expires = time.Now().Add(flashTTL)
}

// Error shows an error notice.
func (f *Flash) Error(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = flashError
	f.expires = time.Now().Add(flashTTL)
}

// Get returns the current notice, or empty once it has expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return ""
	}
	return f.message
}
