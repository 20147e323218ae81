// Package client wires the sync adapter, the message pipeline, the session and
// the maintenance scheduler into one chat client, and manages their lifecycle.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/pipeline"
	"github.com/edgard/babelchat/internal/session"
	"github.com/edgard/babelchat/internal/syncer"
)

// System event kinds announced by the client.
const (
	EventJoin  = "join"
	EventLeave = "leave"
)

const defaultHistoryTimeout = 10 * time.Second

// Client is a multilingual chat client bound to at most one room.
type Client struct {
	logger         *slog.Logger
	adapter        *syncer.Adapter
	pipeline       *pipeline.Pipeline
	session        *session.Manager
	scheduler      *Scheduler
	historyTimeout time.Duration

	mu         sync.Mutex
	room       string
	stopListen func()

	handlerMu sync.RWMutex
	onSystem  func(chat.SystemEvent)
}

// NewClient creates a client. scheduler may be nil.
func NewClient(
	logger *slog.Logger,
	adapter *syncer.Adapter,
	pipe *pipeline.Pipeline,
	sess *session.Manager,
	scheduler *Scheduler,
	historyTimeout time.Duration,
) *Client {
	if historyTimeout <= 0 {
		historyTimeout = defaultHistoryTimeout
	}
	return &Client{
		logger:         logger.With("component", "client"),
		adapter:        adapter,
		pipeline:       pipe,
		session:        sess,
		scheduler:      scheduler,
		historyTimeout: historyTimeout,
	}
}

// Run drives the pipeline, the scheduler and the system-event listener until
// ctx is cancelled or a component fails.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("Starting chat client...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.pipeline.Run(gCtx)
	})

	if c.scheduler != nil {
		g.Go(func() error {
			if err := c.scheduler.Start(); err != nil {
				c.logger.Error("Failed to start scheduler", "error", err)
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			<-gCtx.Done()
			if err := c.scheduler.Stop(); err != nil {
				c.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		unsubscribe, err := c.adapter.OnSystemEvent(gCtx, c.handleSystemEvent)
		if err != nil {
			c.logger.Warn("System events unavailable", "error", err)
			return nil
		}

		<-gCtx.Done()
		unsubscribe()
		return nil
	})

	err := g.Wait()
	c.adapter.Disconnect()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("Chat client stopped due to error", "error", err)
		return err
	}

	c.logger.Info("Chat client stopped gracefully.")
	return nil
}

// SignUp registers a profile and renders the message list for it.
func (c *Client) SignUp(ctx context.Context, username, email, lang string) (session.User, error) {
	return c.adopt(c.session.SignUp(ctx, username, email, lang))
}

// SignIn signs an existing profile in.
func (c *Client) SignIn(ctx context.Context, email string) (session.User, error) {
	return c.adopt(c.session.SignIn(ctx, email))
}

// Guest starts a client-only session.
func (c *Client) Guest(username, lang string) (session.User, error) {
	return c.adopt(c.session.Guest(username, lang))
}

// SetLanguage changes the preferred language; existing translations are
// recomputed for it.
func (c *Client) SetLanguage(ctx context.Context, lang string) (session.User, error) {
	return c.adopt(c.session.SetLanguage(ctx, lang))
}

func (c *Client) adopt(u session.User, err error) (session.User, error) {
	if err != nil {
		return session.User{}, err
	}
	c.pipeline.SetViewer(u.Viewer())
	return u, nil
}

// Session returns the session manager.
func (c *Client) Session() *session.Manager {
	return c.session
}

// JoinRoom leaves the current room, subscribes to roomID and loads its
// history in the background. A history failure is surfaced as the view's
// error; an empty room is just an empty list.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	u, ok := c.session.Current()
	if !ok {
		return session.ErrNotSignedIn
	}
	if err := chat.ValidateRoomID(roomID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.room
	c.pipeline.EnterRoom(roomID)
	if c.stopListen != nil {
		c.stopListen()
	}
	// rows of any other room are dropped by the adapter and the pipeline
	c.stopListen = c.adapter.OnMessage(func(m chat.Message) {
		c.pipeline.AdmitLive(roomID, m)
	})

	if err := c.adapter.Connect(ctx, roomID); err != nil {
		c.room = ""
		c.stopListen()
		c.stopListen = nil
		c.pipeline.EnterRoom("")
		c.pipeline.ReportError("", err)
		return err
	}
	c.room = roomID

	go c.loadHistory(roomID)

	if previous != "" && previous != roomID {
		c.announce(ctx, EventLeave, u.Username+" left "+previous)
	}
	c.announce(ctx, EventJoin, u.Username+" joined "+roomID)
	c.logger.InfoContext(ctx, "Joined room", "room_id", roomID, "previous_room", previous)
	return nil
}

func (c *Client) loadHistory(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.historyTimeout)
	defer cancel()

	msgs, err := c.adapter.FetchHistory(ctx, roomID)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to load history", "room_id", roomID, "error", err)
		c.pipeline.ReportError(roomID, err)
		return
	}
	c.pipeline.AdmitHistory(roomID, msgs)
}

// LeaveRoom unsubscribes from the current room and clears the message list.
func (c *Client) LeaveRoom(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == "" {
		return
	}

	left := c.room
	c.room = ""
	c.stopListen = nil
	c.adapter.Disconnect()
	c.pipeline.EnterRoom("")

	if u, ok := c.session.Current(); ok {
		c.announce(ctx, EventLeave, u.Username+" left "+left)
	}
	c.logger.InfoContext(ctx, "Left room", "room_id", left)
}

// Room returns the joined room, or "" when idle.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Send posts text to the joined room. The message shows up immediately and
// is rolled back, with the draft restored, if the store rejects it.
func (c *Client) Send(text string) error {
	if _, ok := c.session.Current(); !ok {
		return session.ErrNotSignedIn
	}
	c.pipeline.Send(text)
	return nil
}

// Logout leaves the room and ends the session.
func (c *Client) Logout(ctx context.Context) {
	c.LeaveRoom(ctx)
	c.session.Logout()
	c.pipeline.SetViewer(chat.Viewer{})
}

// View returns the latest snapshot of the joined room.
func (c *Client) View() pipeline.View {
	return c.pipeline.View()
}

// OnChange registers fn to receive every new snapshot.
func (c *Client) OnChange(fn func(pipeline.View)) (unsubscribe func()) {
	return c.pipeline.OnChange(fn)
}

// DismissError clears the surfaced error.
func (c *Client) DismissError() {
	c.pipeline.DismissError()
}

// OnSystemEvent sets the handler for global system events.
func (c *Client) OnSystemEvent(fn func(chat.SystemEvent)) {
	c.handlerMu.Lock()
	c.onSystem = fn
	c.handlerMu.Unlock()
}

func (c *Client) handleSystemEvent(e chat.SystemEvent) {
	c.logger.Info("System event received", "kind", e.Kind, "text", e.Text, "at", e.At)

	c.handlerMu.RLock()
	fn := c.onSystem
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (c *Client) announce(ctx context.Context, kind, text string) {
	if err := c.adapter.Broadcast(ctx, chat.SystemEvent{Kind: kind, Text: text}); err != nil {
		c.logger.DebugContext(ctx, "System event not announced", "kind", kind, "error", err)
	}
}
