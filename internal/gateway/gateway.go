// Package gateway defines the contract of the remote store that persists
// messages and fans them out to subscribers. Concrete stores live in
// internal/database (SQLite), internal/gateway/postgres and
// internal/gateway/redisgw.
package gateway

import (
	"context"
	"time"

	"github.com/edgard/babelchat/internal/chat"
)

// HistoryLimit caps how many rows a history query returns.
const HistoryLimit = 50

// Row is a persisted message row as the store returns it.
type Row struct {
	ID             string    `json:"id"              db:"id"              validate:"required"`
	RoomID         string    `json:"room_id"         db:"room_id"         validate:"required"`
	SenderEmail    string    `json:"sender_email"    db:"sender_email"    validate:"required"`
	SenderUsername string    `json:"sender_username" db:"sender_username"`
	SenderLanguage string    `json:"sender_language" db:"sender_language" validate:"required"`
	Text           string    `json:"text"            db:"text"            validate:"required"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"      validate:"required"`
	ClientRef      string    `json:"client_ref"      db:"client_ref"`
}

// NewRow is the insert payload: a Row minus the server-assigned fields.
type NewRow struct {
	RoomID         string `json:"room_id"         db:"room_id"`
	SenderEmail    string `json:"sender_email"    db:"sender_email"`
	SenderUsername string `json:"sender_username" db:"sender_username"`
	SenderLanguage string `json:"sender_language" db:"sender_language"`
	Text           string `json:"text"            db:"text"`
	ClientRef      string `json:"client_ref"      db:"client_ref"`
}

// NewRowFromDraft builds an insert payload for roomID.
func NewRowFromDraft(roomID string, d chat.Draft) NewRow {
	return NewRow{
		RoomID:         roomID,
		SenderEmail:    d.SenderEmail,
		SenderUsername: d.Sender,
		SenderLanguage: d.SenderLanguage,
		Text:           d.Text,
		ClientRef:      d.ClientRef,
	}
}

// Message converts a row into the client model.
func (r Row) Message() chat.Message {
	return chat.Message{
		ID:             r.ID,
		RoomID:         r.RoomID,
		Sender:         r.SenderUsername,
		SenderEmail:    r.SenderEmail,
		SenderLanguage: r.SenderLanguage,
		Text:           r.Text,
		Timestamp:      r.CreatedAt.UnixMilli(),
		ClientRef:      r.ClientRef,
	}
}

// Subscription is an active live-channel or broadcast subscription.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// RowHandler receives rows inserted into a subscribed room.
type RowHandler func(Row)

// SystemHandler receives events from the global broadcast channel.
type SystemHandler func(chat.SystemEvent)

// Store persists and queries message rows.
type Store interface {
	// Insert persists a row; the store assigns ID and CreatedAt.
	Insert(ctx context.Context, row NewRow) (Row, error)

	// Recent returns up to limit most recent rows of a room, oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]Row, error)
}

// LiveChannel delivers newly inserted rows.
type LiveChannel interface {
	// Subscribe invokes fn once per row inserted into roomID until the
	// subscription is closed.
	Subscribe(ctx context.Context, roomID string, fn RowHandler) (Subscription, error)
}

// SystemBus is the global broadcast channel for ephemeral events.
type SystemBus interface {
	PublishSystem(ctx context.Context, event chat.SystemEvent) error
	SubscribeSystem(ctx context.Context, fn SystemHandler) (Subscription, error)
}

// Gateway is the full remote store contract.
type Gateway interface {
	Store
	LiveChannel
	SystemBus

	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error {
	return f()
}
