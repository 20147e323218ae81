// Package redisgw implements the remote store gateway on Redis.
//
// Each room is a stream; a row id is its stream entry id, so rows of a room
// are ordered by insertion. Every insert also announces the entry id on the
// room's pub/sub channel, from which subscribers load the row.
package redisgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
)

const (
	keyPrefix     = "babelchat:"
	systemChannel = keyPrefix + "system"
	livePrefix    = keyPrefix + "live:"

	// approximate cap of a room stream
	streamMaxLen = 10_000
)

// insertScript appends a row to a room stream and announces its id.
var insertScript = redis.NewScript(`
local id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[1], '*',
    'room_id', ARGV[2],
    'sender_email', ARGV[3],
    'sender_username', ARGV[4],
    'sender_language', ARGV[5],
    'text', ARGV[6],
    'client_ref', ARGV[7])
redis.call('PUBLISH', ARGV[8], id)
return id
`)

func streamKey(roomID string) string {
	return keyPrefix + "room:" + roomID + ":messages"
}

func liveChannel(roomID string) string {
	return livePrefix + roomID
}

// Gateway is a gateway.Gateway backed by Redis streams and pub/sub.
type Gateway struct {
	client redis.UniversalClient
	hub    *gateway.Hub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ gateway.Gateway = (*Gateway)(nil)

// New connects to the Redis server at addr and verifies the connection.
func New(ctx context.Context, addr string, db int, logger *slog.Logger) (*Gateway, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, classify(err, errs.KindBackendUnavailable, "redis unreachable at "+addr)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client. The gateway closes it on Close.
func NewWithClient(client redis.UniversalClient, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		client: client,
		hub:    gateway.NewHub(),
		logger: logger.With("component", "redis_gateway"),
	}
}

// Client returns the underlying Redis client.
func (g *Gateway) Client() redis.UniversalClient {
	return g.client
}

// Insert appends a row to the room stream.
func (g *Gateway) Insert(ctx context.Context, row gateway.NewRow) (gateway.Row, error) {
	if row.RoomID == "" || row.SenderEmail == "" || row.Text == "" {
		return gateway.Row{}, errs.WriteRejected("message must have room_id, sender_email and text", nil)
	}

	id, err := insertScript.Run(ctx, g.client, []string{streamKey(row.RoomID)},
		streamMaxLen, row.RoomID, row.SenderEmail, row.SenderUsername, row.SenderLanguage,
		row.Text, row.ClientRef, liveChannel(row.RoomID)).Text()
	if err != nil {
		g.logger.ErrorContext(ctx, "Error saving message", "room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, "failed to save message in room "+row.RoomID)
	}

	createdAt, err := entryTime(id)
	if err != nil {
		return gateway.Row{}, errs.WriteRejected("unexpected stream id "+id, err)
	}

	g.logger.DebugContext(ctx, "Message saved successfully", "room_id", row.RoomID, "message_id", id)
	return gateway.Row{
		ID:             id,
		RoomID:         row.RoomID,
		SenderEmail:    row.SenderEmail,
		SenderUsername: row.SenderUsername,
		SenderLanguage: row.SenderLanguage,
		Text:           row.Text,
		ClientRef:      row.ClientRef,
		CreatedAt:      createdAt,
	}, nil
}

// Recent returns up to limit most recent rows of roomID, oldest first.
func (g *Gateway) Recent(ctx context.Context, roomID string, limit int) ([]gateway.Row, error) {
	if limit <= 0 || limit > gateway.HistoryLimit {
		limit = gateway.HistoryLimit
	}

	entries, err := g.client.XRevRangeN(ctx, streamKey(roomID), "+", "-", int64(limit)).Result()
	if err != nil {
		g.logger.ErrorContext(ctx, "Error fetching recent messages", "room_id", roomID, "error", err)
		return nil, classify(err, errs.KindBackendUnavailable, "failed to fetch messages of room "+roomID)
	}

	rows := make([]gateway.Row, 0, len(entries))
	for _, e := range entries {
		row, err := toRow(roomID, e)
		if err != nil {
			g.logger.WarnContext(ctx, "Skipping malformed stream entry", "room_id", roomID, "entry_id", e.ID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	slices.Reverse(rows)
	return rows, nil
}

// Subscribe delivers rows inserted into roomID, by any client, to fn.
func (g *Gateway) Subscribe(ctx context.Context, roomID string, fn gateway.RowHandler) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureListener(ctx); err != nil {
		return nil, err
	}
	if g.hub.Subscribers(roomID) == 0 {
		if err := g.pubsub.Subscribe(ctx, liveChannel(roomID)); err != nil {
			return nil, classify(err, errs.KindBackendUnavailable, "failed to subscribe to room "+roomID)
		}
	}
	sub := g.hub.Subscribe(roomID, fn)

	var once sync.Once
	return gateway.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()

			_ = sub.Close()
			if g.closed || g.hub.Subscribers(roomID) > 0 {
				return
			}
			err = g.pubsub.Unsubscribe(context.Background(), liveChannel(roomID))
		})
		return err
	}), nil
}

// PublishSystem publishes event on the system channel.
func (g *Gateway) PublishSystem(ctx context.Context, event chat.SystemEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode system event: %w", err)
	}
	if err := g.client.Publish(ctx, systemChannel, payload).Err(); err != nil {
		return classify(err, errs.KindBackendUnavailable, "failed to publish system event")
	}
	return nil
}

// SubscribeSystem delivers system events to fn.
func (g *Gateway) SubscribeSystem(ctx context.Context, fn gateway.SystemHandler) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureListener(ctx); err != nil {
		return nil, err
	}
	return g.hub.SubscribeSystem(fn), nil
}

// Close stops the listener and closes the client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pubsub, done := g.pubsub, g.done
	g.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	g.logger.Info("Redis gateway closed")
	return nil
}

// ensureListener opens the shared pub/sub connection. Callers hold g.mu.
func (g *Gateway) ensureListener(ctx context.Context) error {
	if g.closed {
		return errs.BackendUnavailable("redis gateway is closed", nil)
	}
	if g.pubsub != nil {
		return nil
	}

	pubsub := g.client.Subscribe(ctx, systemChannel)
	// the first reply confirms the subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return classify(err, errs.KindBackendUnavailable, "failed to subscribe to redis")
	}

	g.pubsub = pubsub
	g.done = make(chan struct{})
	go g.listen(pubsub.Channel())
	return nil
}

// listen dispatches messages until the pub/sub connection is closed. The
// channel reconnects on its own after network errors.
func (g *Gateway) listen(ch <-chan *redis.Message) {
	defer close(g.done)

	for msg := range ch {
		if msg.Channel == systemChannel {
			var event chat.SystemEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				g.logger.Warn("Malformed system event", "payload", msg.Payload, "error", err)
				continue
			}
			g.hub.PublishSystem(event)
			continue
		}

		roomID, ok := strings.CutPrefix(msg.Channel, livePrefix)
		if !ok {
			continue
		}
		row, err := g.entry(context.Background(), roomID, msg.Payload)
		if err != nil {
			g.logger.Warn("Failed to load announced message", "room_id", roomID, "message_id", msg.Payload, "error", err)
			continue
		}
		g.hub.Publish(row)
	}
}

func (g *Gateway) entry(ctx context.Context, roomID, id string) (gateway.Row, error) {
	entries, err := g.client.XRangeN(ctx, streamKey(roomID), id, id, 1).Result()
	if err != nil {
		return gateway.Row{}, err
	}
	if len(entries) == 0 {
		return gateway.Row{}, fmt.Errorf("entry %s not found", id)
	}
	return toRow(roomID, entries[0])
}

func toRow(roomID string, e redis.XMessage) (gateway.Row, error) {
	createdAt, err := entryTime(e.ID)
	if err != nil {
		return gateway.Row{}, err
	}
	field := func(name string) string {
		s, _ := e.Values[name].(string)
		return s
	}
	row := gateway.Row{
		ID:             e.ID,
		RoomID:         roomID,
		SenderEmail:    field("sender_email"),
		SenderUsername: field("sender_username"),
		SenderLanguage: field("sender_language"),
		Text:           field("text"),
		ClientRef:      field("client_ref"),
		CreatedAt:      createdAt,
	}
	if row.SenderEmail == "" || row.Text == "" {
		return gateway.Row{}, errors.New("entry has no sender or text")
	}
	return row, nil
}

// entryTime extracts the millisecond timestamp of a stream entry id.
func entryTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), nil
}

// classify maps a go-redis error to an error kind. Replies from the server
// keep the fallback kind; transport failures mean the backend is unavailable.
func classify(err error, fallback errs.Kind, message string) error {
	var replyErr redis.Error
	switch {
	case errors.Is(err, redis.ErrClosed):
		return errs.BackendUnavailable(message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.New(fallback, message, err)
	case errors.As(err, &replyErr) && !errors.Is(err, redis.Nil):
		return errs.New(fallback, message, err)
	default:
		return errs.BackendUnavailable(message, err)
	}
}
