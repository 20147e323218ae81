// Package session manages the signed-in user: sign-up, sign-in, guest
// identities, preferred language, friends and logout.
//
// Profiles of registered users are kept in the local profiles table as opaque
// metadata. Guests live only in memory and never reach the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/database"
	"github.com/edgard/babelchat/internal/errs"
)

// GuestDomain is the email domain of generated guest identities.
const GuestDomain = "guest.babelchat.local"

var (
	ErrNotSignedIn     = errors.New("not signed in")
	ErrProfileExists   = errors.New("profile already exists")
	ErrProfileNotFound = errors.New("profile not found")
)

// Profiles is the subset of the local store used for accounts.
type Profiles interface {
	GetProfile(ctx context.Context, email string) (*database.Profile, error)
	SaveProfile(ctx context.Context, profile *database.Profile) error
}

// User is the current identity.
type User struct {
	Username          string   `validate:"required,max=64"`
	Email             string   `validate:"required,email"`
	PreferredLanguage string   `validate:"required"`
	Friends           []string `validate:"dive,email"`
	Guest             bool
}

// Viewer returns the perspective the message pipeline renders for u.
func (u User) Viewer() chat.Viewer {
	return chat.Viewer{Username: u.Username, Email: u.Email, PreferredLanguage: u.PreferredLanguage}
}

// Manager holds at most one signed-in user.
type Manager struct {
	store    Profiles
	logger   *slog.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	current *User
}

// NewManager creates a session manager persisting profiles in store.
func NewManager(store Profiles, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:    store,
		logger:   logger.With("component", "session"),
		validate: validator.New(),
	}
}

// SignUp registers a new profile and signs it in.
func (m *Manager) SignUp(ctx context.Context, username, email, lang string) (User, error) {
	lang, err := parseLanguage(lang)
	if err != nil {
		return User{}, err
	}
	u := User{
		Username:          strings.TrimSpace(username),
		Email:             normalizeEmail(email),
		PreferredLanguage: lang,
	}
	if err := m.validate.Struct(u); err != nil {
		return User{}, fmt.Errorf("invalid sign-up: %w", err)
	}

	existing, err := m.store.GetProfile(ctx, u.Email)
	if err != nil {
		return User{}, errs.Ensure(err, errs.KindBackendUnavailable, "failed to look up profile")
	}
	if existing != nil {
		return User{}, fmt.Errorf("%w: %s", ErrProfileExists, u.Email)
	}

	if err := m.store.SaveProfile(ctx, &database.Profile{
		Email:             u.Email,
		Username:          u.Username,
		PreferredLanguage: u.PreferredLanguage,
	}); err != nil {
		return User{}, errs.Ensure(err, errs.KindWriteRejected, "failed to save profile")
	}

	m.logger.InfoContext(ctx, "User signed up", "email", u.Email, "language", u.PreferredLanguage)
	m.setCurrent(&u)
	return u, nil
}

// SignIn loads an existing profile and signs it in.
func (m *Manager) SignIn(ctx context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	if err := m.validate.Var(email, "required,email"); err != nil {
		return User{}, fmt.Errorf("invalid email %q: %w", email, err)
	}

	p, err := m.store.GetProfile(ctx, email)
	if err != nil {
		return User{}, errs.Ensure(err, errs.KindBackendUnavailable, "failed to look up profile")
	}
	if p == nil {
		return User{}, fmt.Errorf("%w: %s", ErrProfileNotFound, email)
	}

	u := User{
		Username:          p.Username,
		Email:             p.Email,
		PreferredLanguage: p.PreferredLanguage,
		Friends:           p.Friends,
	}
	if u.PreferredLanguage == "" {
		u.PreferredLanguage = chat.DefaultLanguage
	}

	m.logger.InfoContext(ctx, "User signed in", "email", u.Email)
	m.setCurrent(&u)
	return u, nil
}

// Guest signs in a client-only identity with a generated email.
func (m *Manager) Guest(username, lang string) (User, error) {
	lang, err := parseLanguage(lang)
	if err != nil {
		return User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = "guest"
	}

	u := User{
		Username:          username,
		Email:             "guest-" + uuid.NewString() + "@" + GuestDomain,
		PreferredLanguage: lang,
		Guest:             true,
	}
	if err := m.validate.Struct(u); err != nil {
		return User{}, fmt.Errorf("invalid guest: %w", err)
	}

	m.logger.Info("Guest session started", "username", u.Username)
	m.setCurrent(&u)
	return u, nil
}

// SetLanguage changes the preferred language of the current user.
func (m *Manager) SetLanguage(ctx context.Context, lang string) (User, error) {
	lang, err := parseLanguage(lang)
	if err != nil {
		return User{}, err
	}
	return m.update(ctx, func(u *User) bool {
		if u.PreferredLanguage == lang {
			return false
		}
		u.PreferredLanguage = lang
		return true
	})
}

// AddFriend records email in the current user's friend list.
func (m *Manager) AddFriend(ctx context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	if err := m.validate.Var(email, "required,email"); err != nil {
		return User{}, fmt.Errorf("invalid friend email %q: %w", email, err)
	}
	return m.update(ctx, func(u *User) bool {
		if email == u.Email || slices.Contains(u.Friends, email) {
			return false
		}
		u.Friends = append(u.Friends, email)
		return true
	})
}

// RemoveFriend drops email from the current user's friend list.
func (m *Manager) RemoveFriend(ctx context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	return m.update(ctx, func(u *User) bool {
		i := slices.Index(u.Friends, email)
		if i < 0 {
			return false
		}
		u.Friends = slices.Delete(u.Friends, i, i+1)
		return true
	})
}

// Logout ends the current session. Guest identities are discarded.
func (m *Manager) Logout() {
	m.mu.Lock()
	u := m.current
	m.current = nil
	m.mu.Unlock()

	if u != nil {
		m.logger.Info("User logged out", "email", u.Email, "guest", u.Guest)
	}
}

// Current returns the signed-in user.
func (m *Manager) Current() (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return User{}, false
	}
	return m.current.clone(), true
}

// update applies fn to a copy of the current user and persists it when fn
// reports a change.
func (m *Manager) update(ctx context.Context, fn func(*User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return User{}, ErrNotSignedIn
	}

	u := m.current.clone()
	if !fn(&u) {
		return u, nil
	}

	if !u.Guest {
		p, err := m.store.GetProfile(ctx, u.Email)
		if err != nil {
			return User{}, errs.Ensure(err, errs.KindBackendUnavailable, "failed to look up profile")
		}
		if p == nil {
			p = &database.Profile{Email: u.Email}
		}
		p.Username = u.Username
		p.PreferredLanguage = u.PreferredLanguage
		p.Friends = u.Friends
		if err := m.store.SaveProfile(ctx, p); err != nil {
			return User{}, errs.Ensure(err, errs.KindWriteRejected, "failed to save profile")
		}
	}

	m.current = &u
	m.logger.DebugContext(ctx, "Session updated", "email", u.Email, "language", u.PreferredLanguage, "friends", len(u.Friends))
	return u.clone(), nil
}

func (m *Manager) setCurrent(u *User) {
	m.mu.Lock()
	m.current = u
	m.mu.Unlock()
}

func (u User) clone() User {
	u.Friends = slices.Clone(u.Friends)
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// parseLanguage validates and canonicalizes an IETF language code. An empty
// code selects the default language.
func parseLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return chat.DefaultLanguage, nil
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("unknown language %q: %w", lang, err)
	}
	return tag.String(), nil
}
