// Package postgres implements the remote store gateway on PostgreSQL.
//
// Rows are inserted with INSERT ... RETURNING. A trigger announces every
// insert on a notification channel; one dedicated LISTEN connection per
// gateway receives the announcements and fans the rows out to subscribers.
// System events travel over a second notification channel.
package postgres

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

	"github.com/avast/retry-go/v4"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
	"github.com/edgard/babelchat/migrations"
)

// Notification channels.
const (
	MessageChannel = "babelchat_messages"
	SystemChannel  = "babelchat_system"
)

const selectColumns = `id, room_id, sender_email, sender_username, sender_language, text, client_ref, created_at`

// messageRecord is the messages table row.
type messageRecord struct {
	ID             int64     `db:"id"`
	RoomID         string    `db:"room_id"`
	SenderEmail    string    `db:"sender_email"`
	SenderUsername string    `db:"sender_username"`
	SenderLanguage string    `db:"sender_language"`
	Text           string    `db:"text"`
	ClientRef      string    `db:"client_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r messageRecord) row() gateway.Row {
	return gateway.Row{
		ID:             strconv.FormatInt(r.ID, 10),
		RoomID:         r.RoomID,
		SenderEmail:    r.SenderEmail,
		SenderUsername: r.SenderUsername,
		SenderLanguage: r.SenderLanguage,
		Text:           r.Text,
		ClientRef:      r.ClientRef,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// announcement is the payload of MessageChannel.
type announcement struct {
	ID     int64  `json:"id"`
	RoomID string `json:"room_id"`
}

// Gateway is a gateway.Gateway backed by a pgx pool.
type Gateway struct {
	pool   *pgxpool.Pool
	hub    *gateway.Hub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

var _ gateway.Gateway = (*Gateway)(nil)

// New connects to url and verifies the connection.
func New(ctx context.Context, url string, logger *slog.Logger) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errs.BackendUnavailable("invalid postgres configuration", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err, errs.KindBackendUnavailable, "postgres unreachable")
	}
	return NewWithPool(pool, logger), nil
}

// NewWithPool wraps an existing pool. The gateway closes it on Close.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		pool:   pool,
		hub:    gateway.NewHub(),
		logger: logger.With("component", "postgres_gateway"),
	}
}

// ApplyMigrations creates or upgrades the messages table and its trigger.
func (g *Gateway) ApplyMigrations() error {
	g.logger.Info("Applying postgres migrations...")

	sourceDriver, err := iofs.New(migrations.PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver instance: %w", err)
	}

	db := stdlib.OpenDBFromPool(g.pool)
	dbDriver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: "babelchat_schema_migrations"})
	if err != nil {
		_ = db.Close()
		return classify(err, errs.KindBackendUnavailable, "failed to create postgres migration driver")
	}
	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		// closes db but not the pool
		if srcErr, dbErr := migrator.Close(); srcErr != nil || dbErr != nil {
			g.logger.Warn("Error closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			g.logger.Info("No postgres migrations to apply.")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	g.logger.Info("Postgres migrations applied successfully.")
	return nil
}

// Insert persists a row; the database assigns id and created_at.
func (g *Gateway) Insert(ctx context.Context, row gateway.NewRow) (gateway.Row, error) {
	if row.RoomID == "" || row.SenderEmail == "" || row.Text == "" {
		return gateway.Row{}, errs.WriteRejected("message must have room_id, sender_email and text", nil)
	}

	rows, err := g.pool.Query(ctx, `
        INSERT INTO messages (room_id, sender_email, sender_username, sender_language, text, client_ref)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+selectColumns,
		row.RoomID, row.SenderEmail, row.SenderUsername, row.SenderLanguage, row.Text, row.ClientRef)
	if err != nil {
		g.logger.ErrorContext(ctx, "Error saving message", "room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, "failed to save message in room "+row.RoomID)
	}

	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[messageRecord])
	if err != nil {
		g.logger.ErrorContext(ctx, "Error saving message", "room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, "failed to save message in room "+row.RoomID)
	}

	stored := rec.row()
	g.logger.DebugContext(ctx, "Message saved successfully", "room_id", stored.RoomID, "message_id", stored.ID)
	return stored, nil
}

// Recent returns up to limit most recent rows of roomID, oldest first.
func (g *Gateway) Recent(ctx context.Context, roomID string, limit int) ([]gateway.Row, error) {
	if limit <= 0 || limit > gateway.HistoryLimit {
		limit = gateway.HistoryLimit
	}

	rows, err := g.pool.Query(ctx, `
        SELECT `+selectColumns+`
        FROM messages
        WHERE room_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, roomID, limit)
	if err != nil {
		g.logger.ErrorContext(ctx, "Error fetching recent messages", "room_id", roomID, "error", err)
		return nil, classify(err, errs.KindBackendUnavailable, "failed to fetch messages of room "+roomID)
	}

	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRecord])
	if err != nil {
		return nil, classify(err, errs.KindBackendUnavailable, "failed to read messages of room "+roomID)
	}

	out := make([]gateway.Row, len(recs))
	for i, rec := range recs {
		out[i] = rec.row()
	}
	slices.Reverse(out)
	return out, nil
}

// Subscribe delivers rows inserted into roomID, by any client, to fn.
func (g *Gateway) Subscribe(ctx context.Context, roomID string, fn gateway.RowHandler) (gateway.Subscription, error) {
	if err := g.ensureListener(ctx); err != nil {
		return nil, err
	}
	return g.hub.Subscribe(roomID, fn), nil
}

// PublishSystem sends event on the system notification channel.
func (g *Gateway) PublishSystem(ctx context.Context, event chat.SystemEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode system event: %w", err)
	}
	if _, err := g.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, SystemChannel, string(payload)); err != nil {
		return classify(err, errs.KindBackendUnavailable, "failed to publish system event")
	}
	return nil
}

// SubscribeSystem delivers system events to fn.
func (g *Gateway) SubscribeSystem(ctx context.Context, fn gateway.SystemHandler) (gateway.Subscription, error) {
	if err := g.ensureListener(ctx); err != nil {
		return nil, err
	}
	return g.hub.SubscribeSystem(fn), nil
}

// Close stops the listener and closes the pool.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	g.pool.Close()
	g.logger.Info("Postgres gateway closed")
	return nil
}

// ensureListener starts the shared LISTEN loop on first use. The first
// connection is made synchronously so that an unreachable database is
// reported to the subscriber.
func (g *Gateway) ensureListener(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return errs.BackendUnavailable("postgres gateway is closed", nil)
	}
	if g.done != nil {
		return nil
	}

	conn, err := g.listen(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(loopCtx, conn)
	return nil
}

func (g *Gateway) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err, errs.KindBackendUnavailable, "failed to acquire listener connection")
	}
	for _, channel := range []string{MessageChannel, SystemChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			conn.Release()
			return nil, classify(err, errs.KindBackendUnavailable, "failed to listen on "+channel)
		}
	}
	return conn, nil
}

// run receives notifications until ctx is cancelled, reconnecting with
// backoff when the connection drops.
func (g *Gateway) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(g.done)

	for {
		err := g.receive(ctx, conn)
		// a LISTENing connection must not go back to the pool
		_ = conn.Hijack().Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("Listener connection lost, reconnecting", "error", err)

		err = retry.Do(
			func() error {
				c, err := g.listen(ctx)
				if err != nil {
					return err
				}
				conn = c
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(500*time.Millisecond),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				g.logger.Debug("Listener reconnect failed", "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			return
		}
		g.logger.Info("Listener reconnected")
	}
}

func (g *Gateway) receive(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		g.dispatch(ctx, n)
	}
}

func (g *Gateway) dispatch(ctx context.Context, n *pgconn.Notification) {
	switch n.Channel {
	case MessageChannel:
		var a announcement
		if err := json.Unmarshal([]byte(n.Payload), &a); err != nil {
			g.logger.WarnContext(ctx, "Malformed message notification", "payload", n.Payload, "error", err)
			return
		}
		if g.hub.Subscribers(a.RoomID) == 0 {
			return
		}
		row, err := g.byID(ctx, a.ID)
		if err != nil {
			g.logger.WarnContext(ctx, "Failed to load announced message", "message_id", a.ID, "error", err)
			return
		}
		g.hub.Publish(row)

	case SystemChannel:
		var event chat.SystemEvent
		if err := json.Unmarshal([]byte(n.Payload), &event); err != nil {
			g.logger.WarnContext(ctx, "Malformed system notification", "payload", n.Payload, "error", err)
			return
		}
		g.hub.PublishSystem(event)
	}
}

func (g *Gateway) byID(ctx context.Context, id int64) (gateway.Row, error) {
	rows, err := g.pool.Query(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return gateway.Row{}, err
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[messageRecord])
	if err != nil {
		return gateway.Row{}, err
	}
	return rec.row(), nil
}

// classify maps a pgx error to an error kind.
func classify(err error, fallback errs.Kind, message string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UndefinedTable:
			return errs.SchemaMissing(message, err)
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgErr.Code == pgerrcode.InvalidCatalogName:
			return errs.BackendUnavailable(message, err)
		}
		return errs.New(fallback, message, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || strings.Contains(err.Error(), "closed pool") {
		return errs.BackendUnavailable(message, err)
	}
	return errs.New(fallback, message, err)
}
