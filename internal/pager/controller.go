package pager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/config"
	"github.com/dmelo/chirp/internal/conv"
)

// Phase is where the controller stands in a conversation's history.
type Phase int

const (
	// PhaseIdle means no conversation is open.
	PhaseIdle Phase = iota
	// PhaseInitialLoad means the first page was requested and not yet applied.
	PhaseInitialLoad
	// PhaseReady means older history may exist and can be requested.
	PhaseReady
	// PhaseFetchingMore means an older page is in flight.
	PhaseFetchingMore
	// PhaseExhausted means a short page proved there is no older history.
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitialLoad:
		return "initial_load"
	case PhaseReady:
		return "ready"
	case PhaseFetchingMore:
		return "fetching_more"
	case PhaseExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Store receives fetched history, satisfied by *registry.Registry.
type Store interface {
	Prepend(convID string, msgs []*conv.Message) (int, error)
}

// Fetcher triggers a backward history page for a conversation. Pages count
// from 1 at the newest messages.
type Fetcher interface {
	RequestPage(ctx context.Context, convID string, page int) error
}

// Viewport is the scrollable message area. Heights and offsets are in
// rendered lines, offset measured from the top of the content.
type Viewport interface {
	ContentHeight() int
	ScrollOffset() int
	SetScrollOffset(offset int)
	DistanceFromBottom() int
	ScrollToBottom()
	Render()
}

// Controller drives backward pagination for the open conversation. Older
// pages load on demand when the user reaches the top, and the message the
// user was looking at stays put when history is inserted above it.
type Controller struct {
	store      Store
	fetch      Fetcher
	pageSize   int
	nearBottom int
	logger     *zap.Logger

	mu       sync.Mutex
	vp       Viewport
	phase    Phase
	convID   string
	nextPage int
}

// NewController creates a controller. The viewport is attached later, once
// the UI exists.
func NewController(cfg *config.Config, store Store, fetch Fetcher, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:      store,
		fetch:      fetch,
		pageSize:   cfg.Chat.PageSize,
		nearBottom: cfg.Chat.NearBottomLines,
		logger:     logger.Named("pager"),
	}
}

// AttachViewport wires the rendered message area in.
func (c *Controller) AttachViewport(vp Viewport) {
	c.mu.Lock()
	c.vp = vp
	c.mu.Unlock()
}

// Phase returns the current pagination phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Open switches to a conversation and requests its newest page.
func (c *Controller) Open(ctx context.Context, convID string) error {
	c.mu.Lock()
	c.convID = convID
	c.phase = PhaseInitialLoad
	c.nextPage = 2
	c.mu.Unlock()

	return c.fetch.RequestPage(ctx, convID, 1)
}

// Close forgets the open conversation.
func (c *Controller) Close() {
	c.mu.Lock()
	c.convID = ""
	c.phase = PhaseIdle
	c.mu.Unlock()
}

// OnScrollTop requests the next older page. It only fires from Ready: while
// a fetch is in flight or history is exhausted, reaching the top does nothing.
func (c *Controller) OnScrollTop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseFetchingMore
	convID := c.convID
	page := c.nextPage
	c.mu.Unlock()

	if err := c.fetch.RequestPage(ctx, convID, page); err != nil {
		c.mu.Lock()
		if c.phase == PhaseFetchingMore {
			c.phase = PhaseReady
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// HandlePage applies a fetched history page. Pages for a conversation that
// is no longer open are dropped; staleness is judged here, at handling time,
// not when the page was requested.
func (c *Controller) HandlePage(convID string, msgs []*conv.Message) error {
	c.mu.Lock()
	if convID != c.convID {
		c.mu.Unlock()
		c.logger.Debug("dropping stale history page", zap.String("conversation", convID))
		return nil
	}
	phase := c.phase
	vp := c.vp
	c.mu.Unlock()

	short := len(msgs) < c.pageSize

	switch phase {
	case PhaseInitialLoad:
		if _, err := c.store.Prepend(convID, msgs); err != nil {
			return err
		}
		if vp != nil {
			vp.Render()
			vp.ScrollToBottom()
		}
	case PhaseFetchingMore:
		var beforeHeight, beforeOffset int
		if vp != nil {
			beforeHeight = vp.ContentHeight()
			beforeOffset = vp.ScrollOffset()
		}
		if _, err := c.store.Prepend(convID, msgs); err != nil {
			return err
		}
		if vp != nil {
			vp.Render()
			delta := vp.ContentHeight() - beforeHeight
			vp.SetScrollOffset(beforeOffset + delta)
		}
	default:
		c.logger.Debug("unexpected history page", zap.String("phase", phase.String()))
		return nil
	}

	c.mu.Lock()
	if c.convID == convID {
		if short {
			c.phase = PhaseExhausted
		} else {
			c.phase = PhaseReady
			if phase == PhaseFetchingMore {
				c.nextPage++
			}
		}
	}
	c.mu.Unlock()
	return nil
}

// OnLiveMessage re-renders after a live insert at the bottom. The view
// follows the conversation only when the user was already at the bottom or
// the message is their own; otherwise their reading position stays fixed.
func (c *Controller) OnLiveMessage(m *conv.Message) {
	c.mu.Lock()
	vp := c.vp
	c.mu.Unlock()
	if vp == nil {
		return
	}

	follow := m.FromMe || vp.DistanceFromBottom() <= c.nearBottom
	vp.Render()
	if follow {
		vp.ScrollToBottom()
	}
}
