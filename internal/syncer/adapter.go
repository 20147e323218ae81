// Package syncer implements the sync adapter: the single client-side access
// point to the remote store for history, live subscription and sends.
package syncer

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
)

// MessageHandler receives newly observed persisted messages of the connected room.
type MessageHandler func(chat.Message)

// SystemHandler receives events from the global broadcast channel.
type SystemHandler func(chat.SystemEvent)

// Option configures an Adapter.
type Option func(*Adapter)

// WithSystemBus routes system events through bus instead of the gateway.
func WithSystemBus(bus gateway.SystemBus) Option {
	return func(a *Adapter) {
		if bus != nil {
			a.bus = bus
		}
	}
}

// WithHistoryLimit overrides how many messages FetchHistory returns.
func WithHistoryLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 && limit <= gateway.HistoryLimit {
			a.historyLimit = limit
		}
	}
}

// Adapter wraps a gateway with at-most-one live room subscription.
//
// The dispatch lock is held for reading while listeners run and for writing
// while the generation advances, so once Connect or Disconnect returns no
// listener observes a row from an earlier subscription. Listeners must not
// call Connect or Disconnect.
type Adapter struct {
	gw           gateway.Gateway
	bus          gateway.SystemBus
	logger       *slog.Logger
	validate     *validator.Validate
	historyLimit int

	mu         sync.RWMutex
	generation uint64
	roomID     string
	sub        gateway.Subscription
	nextID     uint64
	listeners  map[uint64]MessageHandler
}

// NewAdapter creates an adapter over gw.
func NewAdapter(gw gateway.Gateway, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &Adapter{
		gw:           gw,
		bus:          gw,
		logger:       logger.With("component", "sync_adapter"),
		validate:     validator.New(),
		historyLimit: gateway.HistoryLimit,
		listeners:    make(map[uint64]MessageHandler),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Connect subscribes to roomID, tearing down any existing subscription first.
func (a *Adapter) Connect(ctx context.Context, roomID string) error {
	if err := chat.ValidateRoomID(roomID); err != nil {
		return err
	}

	a.mu.Lock()
	a.generation++
	gen := a.generation
	old := a.sub
	a.sub = nil
	a.roomID = roomID
	a.mu.Unlock()

	a.closeSubscription(ctx, old)

	sub, err := a.gw.Subscribe(ctx, roomID, a.dispatcher(gen, roomID))
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to subscribe to room", "room_id", roomID, "error", err)
		a.mu.Lock()
		if a.generation == gen {
			a.roomID = ""
		}
		a.mu.Unlock()
		return errs.Ensure(err, errs.KindBackendUnavailable, "failed to subscribe to room "+roomID)
	}

	a.mu.Lock()
	if a.generation != gen {
		// superseded by a concurrent Connect or Disconnect
		a.mu.Unlock()
		a.closeSubscription(ctx, sub)
		return nil
	}
	a.sub = sub
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "Connected to room", "room_id", roomID)
	return nil
}

// Disconnect tears down the active subscription and removes all message
// listeners. It is safe to call when not connected.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.generation++
	old := a.sub
	room := a.roomID
	a.sub = nil
	a.roomID = ""
	clear(a.listeners)
	a.mu.Unlock()

	if old != nil {
		a.closeSubscription(context.Background(), old)
		a.logger.Info("Disconnected from room", "room_id", room)
	}
}

// Room returns the connected room, or "" when idle.
func (a *Adapter) Room() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roomID
}

// OnMessage registers handler for live messages of the connected room and
// returns a function removing it. Other listeners are unaffected.
func (a *Adapter) OnMessage(handler MessageHandler) (unsubscribe func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = handler
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// FetchHistory returns up to the history limit of most recent messages of
// roomID, oldest first. An empty room yields an empty slice.
func (a *Adapter) FetchHistory(ctx context.Context, roomID string) ([]chat.Message, error) {
	rows, err := a.gw.Recent(ctx, roomID, a.historyLimit)
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to fetch history", "room_id", roomID, "error", err)
		return nil, errs.Ensure(err, errs.KindBackendUnavailable, "failed to fetch history for room "+roomID)
	}

	messages := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msg, ok := a.convert(ctx, row)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	slices.SortStableFunc(messages, func(x, y chat.Message) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})

	a.logger.DebugContext(ctx, "Fetched history", "room_id", roomID, "count", len(messages))
	return messages, nil
}

// SendMessage persists draft in roomID and returns the stored message.
// Any failure is reported as WriteRejected. There is no automatic retry.
func (a *Adapter) SendMessage(ctx context.Context, roomID string, draft chat.Draft) (chat.Message, error) {
	if err := chat.ValidateText(draft.Text); err != nil {
		return chat.Message{}, errs.WriteRejected("invalid message", err)
	}

	row, err := a.gw.Insert(ctx, gateway.NewRowFromDraft(roomID, draft))
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to send message", "room_id", roomID, "error", err)
		return chat.Message{}, errs.WriteRejected("failed to send message", err)
	}

	msg, ok := a.convert(ctx, row)
	if !ok {
		return chat.Message{}, errs.WriteRejected("store returned an invalid row", nil)
	}
	return msg, nil
}

// OnSystemEvent subscribes handler to the global broadcast channel.
func (a *Adapter) OnSystemEvent(ctx context.Context, handler SystemHandler) (unsubscribe func(), err error) {
	sub, err := a.bus.SubscribeSystem(ctx, gateway.SystemHandler(handler))
	if err != nil {
		return nil, errs.Ensure(err, errs.KindBackendUnavailable, "failed to subscribe to system events")
	}

	return func() { a.closeSubscription(context.Background(), sub) }, nil
}

// Broadcast publishes event on the global broadcast channel.
func (a *Adapter) Broadcast(ctx context.Context, event chat.SystemEvent) error {
	if event.At == 0 {
		event.At = chat.NowMillis(time.Now())
	}
	if err := a.bus.PublishSystem(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "Failed to broadcast system event", "kind", event.Kind, "error", err)
		return errs.Ensure(err, errs.KindBackendUnavailable, "failed to broadcast system event")
	}
	return nil
}

func (a *Adapter) dispatcher(gen uint64, roomID string) gateway.RowHandler {
	return func(row gateway.Row) {
		a.mu.RLock()
		defer a.mu.RUnlock()

		if a.generation != gen || row.RoomID != roomID {
			return
		}

		msg, ok := a.convert(context.Background(), row)
		if !ok {
			return
		}
		for _, fn := range a.listeners {
			fn(msg)
		}
	}
}

func (a *Adapter) convert(ctx context.Context, row gateway.Row) (chat.Message, bool) {
	if err := a.validate.Struct(row); err != nil {
		a.logger.WarnContext(ctx, "Dropping invalid row", "row_id", row.ID, "room_id", row.RoomID, "error", err)
		return chat.Message{}, false
	}
	return row.Message(), true
}

func (a *Adapter) closeSubscription(ctx context.Context, sub gateway.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		a.logger.WarnContext(ctx, "Error closing subscription", "error", err)
	}
}
