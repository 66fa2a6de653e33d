package tui

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/bus"
	"github.com/dmelo/chirp/internal/conv"
	"github.com/dmelo/chirp/internal/pager"
	"github.com/dmelo/chirp/internal/registry"
	"github.com/dmelo/chirp/internal/send"
	"github.com/dmelo/chirp/internal/status"
	intsync "github.com/dmelo/chirp/internal/sync"
	"github.com/dmelo/chirp/internal/tui/keys"
	"github.com/dmelo/chirp/internal/tui/model"
	"github.com/dmelo/chirp/internal/tui/ui"
	"github.com/dmelo/chirp/internal/tui/views"
	"github.com/dmelo/chirp/internal/upload"
	"github.com/dmelo/chirp/internal/ws"
)

// seedLimit caps how many cached messages fill a thread on open.
const seedLimit = 50

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	vm       *model.ViewModel
	reg      *registry.Registry
	router   *ws.Router
	pager    *pager.Controller
	sender   *send.Sender
	engine   *intsync.Engine
	uploads  *upload.Pipeline
	bus      *bus.Bus
	bindings *keys.Registry
	logger   *zap.Logger

	statusBar *views.StatusBar
	convList  *views.ConversationList
	thread    *views.MessageThread
	composer  *views.Composer

	uploadMu     sync.Mutex
	activeUpload *upload.Handle

	ctx    context.Context
	cancel context.CancelFunc
}

// Deps bundles what the shell needs from the rest of the application.
type Deps struct {
	SessionName string
	Registry    *registry.Registry
	Router      *ws.Router
	Pager       *pager.Controller
	Sender      *send.Sender
	Engine      *intsync.Engine
	Uploads     *upload.Pipeline
	Bus         *bus.Bus
	SelfID      string
	Logger      *zap.Logger
}

// NewApp creates the TUI application.
func NewApp(d Deps) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	vm := model.NewViewModel(d.SelfID, d.Registry)
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        vm,
		reg:       d.Registry,
		router:    d.Router,
		pager:     d.Pager,
		sender:    d.Sender,
		engine:    d.Engine,
		uploads:   d.Uploads,
		bus:       d.Bus,
		bindings:  keys.NewRegistry(),
		logger:    logger.Named("tui"),
		statusBar: views.NewStatusBar(),
		convList:  views.NewConversationList(theme),
		composer:  views.NewComposer(),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.thread = views.NewMessageThread(theme, func() []*conv.Message {
		return vm.Messages(d.Registry.ActiveID())
	})
	a.pager.AttachViewport(a.thread)

	a.statusBar.SetSession(d.SessionName)
	a.statusBar.SetState(string(status.Disconnected))
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

// UIPager returns a pager facade that marshals calls onto the UI thread.
// Everything downstream of the socket goes through it, so viewport reads
// and writes stay on the render goroutine.
func (a *App) UIPager() *UIPager {
	return &UIPager{app: a.app, inner: a.pager, logger: a.logger}
}

// UIPager serializes pagination work onto the tview event loop.
type UIPager struct {
	app    *tview.Application
	inner  *pager.Controller
	logger *zap.Logger
}

// HandlePage applies a history page on the UI thread. The page is applied
// asynchronously, so failures surface in the log rather than the return.
func (p *UIPager) HandlePage(convID string, msgs []*conv.Message) error {
	p.app.QueueUpdateDraw(func() {
		if err := p.inner.HandlePage(convID, msgs); err != nil {
			p.logger.Warn("apply history page",
				zap.String("conversation", convID), zap.Error(err))
		}
	})
	return nil
}

// OnLiveMessage applies a live insert on the UI thread.
func (p *UIPager) OnLiveMessage(m *conv.Message) {
	p.app.QueueUpdateDraw(func() {
		p.inner.OnLiveMessage(m)
	})
}

func (a *App) setupBindings() {
	a.bindings.Bind(&keys.Binding{
		Scope: keys.ScopeGlobal, Key: tcell.KeyRune, Rune: 'q',
		Hint: "q:quit", Run: func() { a.app.Stop() },
	})
	a.bindings.Bind(&keys.Binding{
		Scope: "chat", Key: tcell.KeyRune, Rune: 'r',
		Hint: "r:retry", Run: func() { a.retryLastFailed() },
	})
	a.bindings.Bind(&keys.Binding{
		Scope: "chat", Key: tcell.KeyRune, Rune: 'x',
		Hint: "x:cancel upload", Run: func() { a.cancelUpload() },
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if id := a.convList.SelectedConversation(); id != "" {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		convID := a.reg.ActiveID()
		if convID == "" {
			return
		}
		go func() {
			if _, err := a.sender.Send(convID, text, nil); err != nil {
				a.vm.Flash.Error("Send failed: " + err.Error())
			}
			a.app.QueueUpdateDraw(func() {
				a.thread.Render()
				a.thread.ScrollToBottom()
				a.statusBar.SetFlash(a.vm.Flash.Get())
			})
		}()
	})

	a.composer.SetOnCommand(a.runCommand)

	a.thread.SetOnTopReached(func() {
		go func() {
			if err := a.pager.OnScrollTop(a.ctx); err != nil {
				a.flashError("Load failed: " + err.Error())
			}
		}()
	})
}

// runCommand dispatches a "/" line from the composer.
func (a *App) runCommand(name, args string) {
	switch name {
	case "file":
		convID := a.reg.ActiveID()
		if convID == "" || args == "" {
			return
		}
		go a.attachFile(convID, args)
	case "group":
		a.createGroup(args)
	case "rename":
		a.renameGroup(args)
	case "invite":
		a.inviteMember(args)
	case "leave":
		a.leaveGroup()
	default:
		a.flashError("Unknown command: /" + name)
	}
}

func (a *App) createGroup(args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		a.flashError("Usage: /group <name> <member> [member...]")
		return
	}
	name, members := fields[0], fields[1:]
	go func() {
		if _, err := a.engine.CreateGroup(a.ctx, name, members); err != nil {
			a.flashError("Create group failed: " + err.Error())
			return
		}
		a.flashInfo("Group " + name + " created")
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.vm.Rows())
		})
	}()
}

func (a *App) renameGroup(name string) {
	convID := a.reg.ActiveID()
	c, ok := a.reg.Conversation(convID)
	if !ok || name == "" {
		return
	}
	if !conv.ResolveCapabilities(c, a.vm.SelfID()).IsAdmin {
		a.flashError("Only a group admin can rename")
		return
	}
	go func() {
		if _, err := a.engine.UpdateGroup(a.ctx, convID, name, nil); err != nil {
			a.flashError("Rename failed: " + err.Error())
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetTitleName(a.vm.Display(convID).Name)
		})
	}()
}

func (a *App) inviteMember(userID string) {
	convID := a.reg.ActiveID()
	c, ok := a.reg.Conversation(convID)
	if !ok || userID == "" {
		return
	}
	if !conv.ResolveCapabilities(c, a.vm.SelfID()).CanAddMembers {
		a.flashError("Only a group admin can add members")
		return
	}
	ids := make([]string, 0, len(c.Participants)+1)
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	ids = append(ids, userID)
	go func() {
		if _, err := a.engine.UpdateGroup(a.ctx, convID, c.Name, ids); err != nil {
			a.flashError("Invite failed: " + err.Error())
			return
		}
		a.flashInfo("Added " + userID)
	}()
}

func (a *App) leaveGroup() {
	convID := a.reg.ActiveID()
	c, ok := a.reg.Conversation(convID)
	if !ok {
		return
	}
	if !conv.ResolveCapabilities(c, a.vm.SelfID()).CanLeave {
		a.flashError("Not a group conversation")
		return
	}
	go func() {
		if err := a.engine.LeaveGroup(a.ctx, convID); err != nil {
			a.flashError("Leave failed: " + err.Error())
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.closeConversation()
		})
	}()
}

func (a *App) flashError(msg string) {
	a.vm.Flash.Error(msg)
	a.app.QueueUpdateDraw(func() { a.statusBar.SetFlash(a.vm.Flash.Get()) })
}

func (a *App) flashInfo(msg string) {
	a.vm.Flash.Info(msg)
	a.app.QueueUpdateDraw(func() { a.statusBar.SetFlash(a.vm.Flash.Get()) })
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("chats", a.convList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && currentPage == "chat" {
			a.closeConversation()
			return nil
		}

		// Let text input widgets handle all keys normally.
		focused := a.app.GetFocus()
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		// 'i' focuses the composer (only when not already in an input field).
		if currentPage == "chat" && event.Key() == tcell.KeyRune && event.Rune() == 'i' {
			a.app.SetFocus(a.composer.InputField)
			return nil
		}

		if a.bindings.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

func (a *App) openConversation(id string) {
	a.reg.SetActive(id)
	if err := a.router.SetActiveConversation(id); err != nil {
		a.logger.Warn("subscribe conversation", zap.Error(err))
	}
	// Cached messages render immediately; the history page that follows
	// merges on top by id.
	if _, err := a.engine.SeedFromCache(id, seedLimit); err != nil {
		a.logger.Warn("seed from cache", zap.Error(err))
	}
	a.thread.SetTitleName(a.vm.Display(id).Name)
	a.thread.Render()
	a.thread.ScrollToBottom()
	a.pages.SwitchToPage("chat")
	a.app.SetFocus(a.thread)

	go func() {
		if err := a.pager.Open(a.ctx, id); err != nil {
			a.flashError("Load failed: " + err.Error())
		}
	}()
}

func (a *App) closeConversation() {
	a.pager.Close()
	a.reg.SetActive("")
	if err := a.router.SetActiveConversation(""); err != nil {
		a.logger.Warn("unsubscribe conversation", zap.Error(err))
	}
	a.convList.Update(a.vm.Rows())
	a.pages.SwitchToPage("chats")
	a.app.SetFocus(a.convList)
}

func (a *App) retryLastFailed() {
	convID := a.reg.ActiveID()
	if convID == "" {
		return
	}
	m := a.vm.LastFailed(convID)
	if m == nil {
		return
	}
	go func() {
		if err := a.sender.Retry(convID, m.TempID); err != nil {
			a.vm.Flash.Error("Retry failed: " + err.Error())
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.Render()
			a.statusBar.SetFlash(a.vm.Flash.Get())
		})
	}()
}

func (a *App) attachFile(convID, path string) {
	h, err := a.uploads.Start(a.ctx, path)
	if err != nil {
		a.flashError("Upload refused: " + err.Error())
		return
	}
	a.uploadMu.Lock()
	a.activeUpload = h
	a.uploadMu.Unlock()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			a.uploadMu.Lock()
			a.activeUpload = nil
			a.uploadMu.Unlock()
			res, err := h.Wait()
			a.app.QueueUpdateDraw(func() { a.statusBar.SetUploadProgress(0) })
			if err != nil {
				a.flashError("Upload failed: " + err.Error())
				return
			}
			att := &conv.Attachment{
				URL:        res.URL,
				MimeType:   res.MimeType,
				Name:       h.Name(),
				PreviewURL: h.PreviewURL(),
			}
			if _, err := a.sender.Send(convID, "", att); err != nil {
				a.vm.Flash.Error("Send failed: " + err.Error())
			}
			a.app.QueueUpdateDraw(func() {
				a.thread.Render()
				a.thread.ScrollToBottom()
				a.statusBar.SetFlash(a.vm.Flash.Get())
			})
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() { a.statusBar.SetUploadProgress(h.Progress()) })
		case <-a.ctx.Done():
			h.Cancel()
			return
		}
	}
}

func (a *App) cancelUpload() {
	a.uploadMu.Lock()
	h := a.activeUpload
	a.uploadMu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	go a.eventLoop()
	go a.refreshLoop()
	a.app.QueueUpdateDraw(func() {
		a.convList.Update(a.vm.Rows())
	})
	return a.app.Run()
}

// eventLoop applies bus events to the widgets.
func (a *App) eventLoop() {
	sub := a.bus.Subscribe("", 256)
	defer sub.Close()

	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-sub.C():
			a.handleEvent(evt)
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "session.status_changed":
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetState(string(change.To))
		})
	case send.KindPending, send.KindAcked, send.KindFailed:
		a.app.QueueUpdateDraw(func() {
			a.thread.Render()
		})
	case "message.upserted", "message.read", "conversation.updated":
		a.app.QueueUpdateDraw(func() {
			page, _ := a.pages.GetFrontPage()
			if page == "chats" {
				a.convList.Update(a.vm.Rows())
			} else {
				a.thread.Render()
			}
		})
	}
}

// refreshLoop redraws the clock and expires flashes.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.statusBar.SetFlash(a.vm.Flash.Get())
				page, _ := a.pages.GetFrontPage()
				if page == "chats" {
					a.convList.Update(a.vm.Rows())
				}
			})
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
