package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
)

// Store is the local SQLite store. Besides the message gateway it keeps user
// profiles and the translation cache.
type Store interface {
	gateway.Gateway

	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// GetProfile retrieves a profile by email. Returns nil, nil if not found.
	GetProfile(ctx context.Context, email string) (*Profile, error)

	// SaveProfile inserts or updates a profile.
	SaveProfile(ctx context.Context, profile *Profile) error

	// DeleteProfile removes a profile. Deleting a missing profile is not an error.
	DeleteProfile(ctx context.Context, email string) error

	// GetTranslation looks up a cached translation.
	GetTranslation(ctx context.Context, key string) (string, bool, error)

	// SaveTranslation stores or refreshes a cached translation.
	SaveTranslation(ctx context.Context, key, text string) error

	// PruneTranslations deletes cache entries created before olderThan.
	PruneTranslations(ctx context.Context, olderThan time.Time) (int64, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
// Live delivery is in-process: rows are published to subscribers after the
// insert commits.
type sqlxStore struct {
	db     *sqlx.DB
	hub    *gateway.Hub
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		hub:    gateway.NewHub(),
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.BackendUnavailable("database unreachable", err)
	}
	return nil
}

// Insert persists a message row and publishes it to the room's subscribers.
func (s *sqlxStore) Insert(ctx context.Context, row gateway.NewRow) (gateway.Row, error) {
	if row.RoomID == "" || row.SenderEmail == "" || row.Text == "" {
		return gateway.Row{}, errs.WriteRejected("message must have room_id, sender_email and text", nil)
	}

	rec := messageRecord{
		RoomID:         row.RoomID,
		SenderEmail:    row.SenderEmail,
		SenderUsername: row.SenderUsername,
		SenderLanguage: row.SenderLanguage,
		Text:           row.Text,
		ClientRef:      row.ClientRef,
		CreatedAt:      time.Now().UnixMilli(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, "failed to begin transaction")
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	query := `
        INSERT INTO messages (room_id, sender_email, sender_username, sender_language, text, client_ref, created_at)
        VALUES (:room_id, :sender_email, :sender_username, :sender_language, :text, :client_ref, :created_at);
    `
	result, err := tx.NamedExecContext(ctx, query, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, fmt.Sprintf("failed to save message in room %s", row.RoomID))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return gateway.Row{}, errs.WriteRejected("could not retrieve inserted message id", err)
	}
	rec.ID = id

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "room_id", row.RoomID, "error", err)
		return gateway.Row{}, classify(err, errs.KindWriteRejected, "failed to commit transaction")
	}
	tx = nil

	stored := rec.row()
	s.logger.DebugContext(ctx, "Message saved successfully", "room_id", stored.RoomID, "message_id", stored.ID)
	s.hub.Publish(stored)

	return stored, nil
}

// Recent retrieves up to limit most recent rows of a room, oldest first.
func (s *sqlxStore) Recent(ctx context.Context, roomID string, limit int) ([]gateway.Row, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}
	if limit <= 0 || limit > gateway.HistoryLimit {
		limit = gateway.HistoryLimit
	}

	var records []messageRecord
	query := `
        SELECT id, room_id, sender_email, sender_username, sender_language, text, client_ref, created_at
        FROM messages
        WHERE room_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?;
    `

	s.logger.DebugContext(ctx, "Fetching recent messages", "room_id", roomID, "limit", limit)
	if err := s.db.SelectContext(ctx, &records, query, roomID, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error getting recent messages", "room_id", roomID, "error", err)
		return nil, classify(err, errs.KindBackendUnavailable, fmt.Sprintf("failed to get recent messages for room %s", roomID))
	}

	slices.Reverse(records)
	rows := make([]gateway.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.row())
	}

	s.logger.DebugContext(ctx, "Fetched recent messages successfully", "room_id", roomID, "count", len(rows))
	return rows, nil
}

func (s *sqlxStore) Subscribe(ctx context.Context, roomID string, fn gateway.RowHandler) (gateway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(roomID, fn), nil
}

func (s *sqlxStore) PublishSystem(ctx context.Context, event chat.SystemEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.PublishSystem(event)
	return nil
}

func (s *sqlxStore) SubscribeSystem(ctx context.Context, fn gateway.SystemHandler) (gateway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.SubscribeSystem(fn), nil
}

// Close closes the underlying database.
func (s *sqlxStore) Close() error {
	CloseDB(s.db)
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

func (s *sqlxStore) GetProfile(ctx context.Context, email string) (*Profile, error) {
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}

	var rec profileRecord
	query := `SELECT email, username, preferred_language, friends, created_at, updated_at
	          FROM profiles WHERE email = ?`

	err := s.db.GetContext(ctx, &rec, query, email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No profile found", "email", email)
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting profile", "email", email, "error", err)
		return nil, classify(err, errs.KindBackendUnavailable, "failed to get profile")
	}

	profile, err := rec.profile()
	if err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", email, err)
	}
	return profile, nil
}

// SaveProfile inserts or updates a profile keyed by email.
func (s *sqlxStore) SaveProfile(ctx context.Context, profile *Profile) error {
	if profile == nil {
		return fmt.Errorf("cannot save nil profile")
	}
	if profile.Email == "" {
		return fmt.Errorf("profile must have an email")
	}

	now := time.Now().UTC()
	profile.UpdatedAt = now
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}

	rec, err := newProfileRecord(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	query := `
        INSERT INTO profiles (email, username, preferred_language, friends, created_at, updated_at)
        VALUES (:email, :username, :preferred_language, :friends, :created_at, :updated_at)
        ON CONFLICT(email) DO UPDATE SET
            username = excluded.username,
            preferred_language = excluded.preferred_language,
            friends = excluded.friends,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		s.logger.ErrorContext(ctx, "Error saving profile", "email", profile.Email, "error", err)
		return classify(err, errs.KindWriteRejected, "failed to save profile")
	}

	s.logger.DebugContext(ctx, "Profile saved successfully", "email", profile.Email)
	return nil
}

func (s *sqlxStore) DeleteProfile(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE email = ?`, email); err != nil {
		s.logger.ErrorContext(ctx, "Error deleting profile", "email", email, "error", err)
		return classify(err, errs.KindWriteRejected, "failed to delete profile")
	}
	return nil
}

func (s *sqlxStore) GetTranslation(ctx context.Context, key string) (string, bool, error) {
	var rec translationRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT cache_key, translated_text, created_at FROM translations WHERE cache_key = ?`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, classify(err, errs.KindBackendUnavailable, "failed to read translation cache")
	}
	return rec.TranslatedText, true, nil
}

func (s *sqlxStore) SaveTranslation(ctx context.Context, key, text string) error {
	rec := translationRecord{CacheKey: key, TranslatedText: text, CreatedAt: time.Now().UnixMilli()}
	query := `
        INSERT INTO translations (cache_key, translated_text, created_at)
        VALUES (:cache_key, :translated_text, :created_at)
        ON CONFLICT(cache_key) DO UPDATE SET
            translated_text = excluded.translated_text,
            created_at = excluded.created_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return classify(err, errs.KindWriteRejected, "failed to write translation cache")
	}
	return nil
}

func (s *sqlxStore) PruneTranslations(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM translations WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error pruning translation cache", "error", err)
		return 0, classify(err, errs.KindWriteRejected, "failed to prune translation cache")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not determine pruned row count", "error", err)
		return 0, nil
	}

	s.logger.DebugContext(ctx, "Pruned translation cache", "deleted", affected)
	return affected, nil
}

// classify maps a driver error to an error kind. Missing tables are reported
// as SchemaMissing and broken connections as BackendUnavailable; anything else
// gets the fallback kind.
func classify(err error, fallback errs.Kind, message string) error {
	switch {
	case isMissingTable(err):
		return errs.SchemaMissing(message, err)
	case isConnectionError(err):
		return errs.BackendUnavailable(message, err)
	default:
		return errs.New(fallback, message, err)
	}
}

func isMissingTable(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}

func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "database is locked")
}
