// Package tui is the terminal front end: a conversation list, a message
// thread with a composer, and a status bar fed by bus events.
package tui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/engine"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/tui/views"
)

// App is the main TUI application shell.
type App struct {
	app     *tview.Application
	pages   *tview.Pages
	orch    *engine.Orchestrator
	store   *convo.Store
	tracker *delivery.Tracker
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	list      *views.ConversationList
	thread    *views.ThreadView
	composer  *views.Composer
	statusBar *views.StatusBar
	filter    *tview.InputField

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	activeID   string
	filterText string
}

// NewApp creates the TUI application.
func NewApp(orch *engine.Orchestrator, store *convo.Store, tracker *delivery.Tracker,
	b *bus.Bus, machine *status.Machine, sessionName, selfID string, logger *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		orch:      orch,
		store:     store,
		tracker:   tracker,
		bus:       b,
		machine:   machine,
		logger:    logger,
		list:      views.NewConversationList(),
		thread:    views.NewThreadView(selfID),
		composer:  views.NewComposer(),
		statusBar: views.NewStatusBar(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.filter = tview.NewInputField().
		SetLabel(" / ").
		SetFieldWidth(0)

	a.statusBar.SetSession(sessionName)
	a.statusBar.SetState(string(machine.Current()))
	a.setupCallbacks()
	a.setupLayout()

	return a
}

// ConversationID reports which conversation the thread page is showing.
func (a *App) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeID
}

// DeliverMessage appends a live message to the open thread. Called from the
// dispatch goroutine.
func (a *App) DeliverMessage(msg convo.Envelope) {
	a.app.QueueUpdateDraw(func() {
		a.thread.Upsert(msg)
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, col int) {
		if id := a.list.SelectedConversation(); id != "" {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		id := a.ConversationID()
		if id == "" {
			return
		}
		go func() {
			if _, err := a.tracker.Send(a.ctx, id, text); err != nil {
				a.flash("Send failed: press r to retry")
			}
		}()
	})

	a.filter.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			a.filter.SetText("")
		}
		a.mu.Lock()
		a.filterText = a.filter.GetText()
		a.mu.Unlock()
		a.redrawList()
		a.app.SetFocus(a.list)
	})
	a.filter.SetChangedFunc(func(text string) {
		a.mu.Lock()
		a.filterText = text
		a.mu.Unlock()
		a.redrawList()
	})
}

func (a *App) setupLayout() {
	listFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.list, 0, 1, true).
		AddItem(a.filter, 1, 0, false)

	threadFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("list", listFlex, true, true)
	a.pages.AddPage("thread", threadFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && currentPage == "thread" {
			a.closeConversation()
			return nil
		}

		// Let text input widgets handle all keys normally.
		focused := a.app.GetFocus()
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		if event.Key() != tcell.KeyRune {
			return event
		}

		switch currentPage {
		case "list":
			switch event.Rune() {
			case 'q':
				a.app.Stop()
				return nil
			case 'r':
				a.orch.RequestRefresh()
				return nil
			case '/':
				a.app.SetFocus(a.filter)
				return nil
			case 'x':
				if id := a.list.SelectedConversation(); id != "" {
					a.hideConversation(id)
				}
				return nil
			}
		case "thread":
			switch event.Rune() {
			case 'i':
				a.app.SetFocus(a.composer.InputField)
				return nil
			case 'r':
				a.retryLastFailed()
				return nil
			}
		}

		return event
	})
}

func (a *App) openConversation(id string) {
	go func() {
		route, err := a.orch.Open(a.ctx, id)
		if err != nil {
			a.flash("Open failed: " + err.Error())
			return
		}
		a.mu.Lock()
		a.activeID = id
		a.mu.Unlock()
		a.orch.SetActiveView(a)

		a.app.QueueUpdateDraw(func() {
			a.thread.SetHeader(route.Title, route.Subtitle)
			a.thread.SetMessages(route.Seed)
			a.pages.SwitchToPage("thread")
			a.app.SetFocus(a.thread)
		})
	}()
}

func (a *App) closeConversation() {
	a.orch.ClearActiveView()
	a.mu.Lock()
	a.activeID = ""
	a.mu.Unlock()
	a.pages.SwitchToPage("list")
	a.app.SetFocus(a.list)
}

func (a *App) hideConversation(id string) {
	go func() {
		if err := a.orch.Hide(a.ctx, []string{id}); err != nil {
			a.flash("Hide failed: " + err.Error())
		}
	}()
}

func (a *App) retryLastFailed() {
	corr := a.thread.LastFailed()
	if corr == "" {
		return
	}
	go func() {
		if _, err := a.tracker.Retry(a.ctx, corr); err != nil {
			a.flash("Retry failed: press r to retry")
		}
	}()
}

func (a *App) flash(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetFlash(msg)
	})
	go func() {
		select {
		case <-time.After(5 * time.Second):
			a.app.QueueUpdateDraw(func() {
				a.statusBar.SetFlash("")
			})
		case <-a.ctx.Done():
		}
	}()
}

func (a *App) redrawList() {
	a.mu.Lock()
	filter := a.filterText
	a.mu.Unlock()
	a.list.Update(a.store.List(), filter)
}

// eventLoop maps bus events onto UI updates.
func (a *App) eventLoop() {
	ch, unsub := a.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			a.handleEvent(evt)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "list.updated":
		a.app.QueueUpdateDraw(func() {
			a.redrawList()
		})
	case "session.status_changed":
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetState(string(change.To))
		})
	case "message.pending", "message.confirmed", "message.send_failed":
		env, ok := evt.Payload.(convo.Envelope)
		if !ok || env.ConversationID != a.ConversationID() {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.Upsert(env)
		})
	case "list.refresh_failed":
		a.flash("Refresh failed, showing cached list")
	case "session.expired":
		a.flash("Session expired: sign in again")
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	go a.eventLoop()
	a.redrawList()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
