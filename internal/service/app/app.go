// Package app is the terminal front end of the chat client.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"e2e_groupchat/internal/protocol/conversation"
	"e2e_groupchat/internal/protocol/session"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type App struct {
	app     *tview.Application
	chatbox *tview.TextView
	status  *tview.TextView
	input   *tview.InputField

	session   *session.Session
	ctrl      *Controller
	connected atomic.Bool

	mu      sync.Mutex
	watched map[string]func()
	ctx     context.Context
}

func NewApp() *App {
	c := &App{
		app:     tview.NewApplication(),
		watched: make(map[string]func()),
		ctx:     context.Background(),
	}
	c.connected.Store(true)
	return c
}

// Bind connects the UI to a session and the service that polls for it.
func (c *App) Bind(s *session.Session, service *messaging.Service) {
	c.session = s
	c.ctrl = NewController(s)
	service.OnConnectionChange(func(connected bool) {
		c.connected.Store(connected)
		c.queueStatus()
	})
}

// Join is the session's OnInitiate hook: every conversation we are
// introduced to is shown and selected if nothing else is.
func (c *App) Join(conv *conversation.Conversation) error {
	c.watch(conv)
	if c.ctrl != nil && c.ctrl.Current() == nil {
		c.ctrl.Select(conv)
		c.queueStatus()
	}
	c.println(fmt.Sprintf("[blue]joined %s[-]", conv.ID()))
	return nil
}

func (c *App) watch(conv *conversation.Conversation) {
	c.mu.Lock()
	if _, ok := c.watched[conv.ID()]; ok {
		c.mu.Unlock()
		return
	}
	events, cancel := conv.Subscribe()
	c.watched[conv.ID()] = cancel
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				current := c.ctrl.Current()
				if line := FormatEvent(ev, c.session.ID(), current != nil && current.ID() == ev.ConversationID); line != "" {
					c.println(line)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *App) unwatch(id string) {
	c.mu.Lock()
	cancel, ok := c.watched[id]
	delete(c.watched, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run blocks until the user quits or ctx is done.
func (c *App) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.session.ID()))

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.renderStatus()

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Message or /help ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		c.input.SetText("")
		if text == "" {
			return
		}
		c.submit(ctx, text)
	})

	go c.showRejections(ctx)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	fmt.Fprintln(c.chatbox, "[gray]type /help for commands[-]")
	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.mu.Lock()
	for id, cancel := range c.watched {
		cancel()
		delete(c.watched, id)
	}
	c.mu.Unlock()
	c.app.Stop()
}

func (c *App) submit(ctx context.Context, text string) {
	cmd, err := ParseCommand(text)
	if err != nil {
		c.printErr(err)
		return
	}
	if cmd.Kind == CmdQuit {
		c.app.Stop()
		return
	}

	// sends block on the relay; keep them off the UI goroutine
	go func() {
		leaving := c.ctrl.Current()
		lines, err := c.ctrl.Execute(ctx, cmd)
		if err != nil {
			log.Error("command failed", zap.String("input", text), zap.Error(err))
			c.printErr(err)
			return
		}
		switch cmd.Kind {
		case CmdNew, CmdSwitch:
			c.watch(c.ctrl.Current())
			c.queueStatus()
		case CmdLeave:
			c.unwatch(leaving.ID())
			c.queueStatus()
		}
		for _, line := range lines {
			c.println("[gray]" + tview.Escape(line) + "[-]")
		}
	}()
}

func (c *App) showRejections(ctx context.Context) {
	for {
		select {
		case r := <-c.session.Rejections():
			c.println(fmt.Sprintf("[red]rejected %s from %s: %s[-]",
				r.Envelope.Type(), short(r.Envelope.SenderID()), tview.Escape(r.Err.Error())))
		case <-ctx.Done():
			return
		}
	}
}

func (c *App) println(line string) {
	c.app.QueueUpdateDraw(func() {
		if c.chatbox == nil {
			return
		}
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) printErr(err error) {
	c.println("[red]" + tview.Escape(err.Error()) + "[-]")
}

func (c *App) queueStatus() {
	c.app.QueueUpdateDraw(c.renderStatus)
}

func (c *App) renderStatus() {
	if c.status == nil {
		return
	}
	state := "[green]connected[-]"
	if !c.connected.Load() {
		state = "[red]relay unreachable, retrying[-]"
	}
	conv := "none"
	if cur := c.ctrl.Current(); cur != nil {
		conv = short(cur.ID())
	}
	c.status.SetText(fmt.Sprintf(" %s  conversation: %s", state, conv))
}
