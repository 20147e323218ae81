package client_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/client"
	"github.com/edgard/babelchat/internal/client/tasks"
	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/database"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
	"github.com/edgard/babelchat/internal/logger"
	"github.com/edgard/babelchat/internal/pipeline"
	"github.com/edgard/babelchat/internal/session"
	"github.com/edgard/babelchat/internal/syncer"
	"github.com/edgard/babelchat/internal/translate"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// upperTranslator "translates" by prefixing the target language.
var upperTranslator = translate.Func(func(_ context.Context, req translate.Request) (string, error) {
	return req.TargetLanguage + ":" + strings.ToUpper(req.Text), nil
})

func newStore(t *testing.T, migrate bool) database.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "client.db")
	open := database.NewDB
	if !migrate {
		open = database.Open
	}
	db, err := open(path)
	require.NoError(t, err)

	store := database.NewStore(db, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startClient(t *testing.T, store database.Store, tr translate.Translator) *client.Client {
	t.Helper()

	log := logger.Discard()
	adapter := syncer.NewAdapter(store, log)
	var opts []pipeline.Option
	if tr != nil {
		opts = append(opts, pipeline.WithTranslator(tr))
	}
	c := client.NewClient(log, adapter, pipeline.New(adapter, log, opts...), session.NewManager(store, log), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return c
}

func insert(t *testing.T, store database.Store, room, email, lang, text string) gateway.Row {
	t.Helper()

	row, err := store.Insert(context.Background(), gateway.NewRow{
		RoomID:         room,
		SenderEmail:    email,
		SenderUsername: strings.Split(email, "@")[0],
		SenderLanguage: lang,
		Text:           text,
	})
	require.NoError(t, err)
	return row
}

func waitView(t *testing.T, c *client.Client, cond func(pipeline.View) bool) pipeline.View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.View()) }, waitFor, tick)
	return c.View()
}

func TestJoinRoomRequiresSession(t *testing.T) {
	t.Parallel()

	c := startClient(t, newStore(t, true), nil)
	assert.ErrorIs(t, c.JoinRoom(context.Background(), "lobby"), session.ErrNotSignedIn)
	assert.ErrorIs(t, c.Send("hi"), session.ErrNotSignedIn)

	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	assert.Error(t, c.JoinRoom(context.Background(), "bad room"))
}

func TestJoinLoadsHistoryAndLiveMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	insert(t, store, "lobby", "luis@example.com", "es", "hola")
	insert(t, store, "kitchen", "luis@example.com", "es", "elsewhere")

	c := startClient(t, store, upperTranslator)
	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	assert.Equal(t, "lobby", c.Room())

	v := waitView(t, c, func(v pipeline.View) bool {
		return len(v.Messages) == 1 && v.Messages[0].TranslatedText != ""
	})
	assert.Equal(t, "en:HOLA", v.Messages[0].TranslatedText)

	insert(t, store, "lobby", "bob@example.com", "en", "hey")
	v = waitView(t, c, func(v pipeline.View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, "hey", v.Messages[1].Text)
	assert.False(t, v.Messages[1].IsTranslating)
	assert.NoError(t, v.Err)
}

func TestEmptyRoomIsNotAnError(t *testing.T) {
	t.Parallel()

	c := startClient(t, newStore(t, true), nil)
	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(context.Background(), "empty"))

	time.Sleep(100 * time.Millisecond)
	v := c.View()
	assert.Equal(t, "empty", v.Room)
	assert.Empty(t, v.Messages)
	assert.NoError(t, v.Err)
}

func TestHistoryFailureIsSurfaced(t *testing.T) {
	t.Parallel()

	c := startClient(t, newStore(t, false), nil)
	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(context.Background(), "lobby"))

	v := waitView(t, c, func(v pipeline.View) bool { return v.Err != nil })
	assert.Equal(t, errs.KindSchemaMissing, errs.KindOf(v.Err))

	c.DismissError()
	waitView(t, c, func(v pipeline.View) bool { return v.Err == nil })
}

func TestFailedJoinLeavesClientIdle(t *testing.T) {
	t.Parallel()

	store := newStore(t, true)
	c := startClient(t, store, nil)
	_, err := c.Guest("ana", "en")
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.JoinRoom(canceled, "lobby"))
	assert.Empty(t, c.Room())

	v := waitView(t, c, func(v pipeline.View) bool { return v.Room == "" && v.Err != nil })
	assert.Empty(t, v.Messages)

	require.NoError(t, c.Send("hi"))
	v = waitView(t, c, func(v pipeline.View) bool {
		return v.Err != nil && strings.Contains(v.Err.Error(), "not connected")
	})
	assert.True(t, errs.Is(v.Err, errs.KindWriteRejected))

	rows, err := store.Recent(context.Background(), "lobby", gateway.HistoryLimit)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// a later join works normally
	require.NoError(t, c.JoinRoom(context.Background(), "lobby"))
	waitView(t, c, func(v pipeline.View) bool { return v.Room == "lobby" && v.Err == nil })
	insert(t, store, "lobby", "bob@example.com", "en", "hey")
	waitView(t, c, func(v pipeline.View) bool { return len(v.Messages) == 1 })
}

func TestSendRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	c := startClient(t, store, nil)

	_, err := c.SignUp(ctx, "ana", "ana@example.com", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	require.NoError(t, c.Send("hi"))

	v := waitView(t, c, func(v pipeline.View) bool {
		return len(v.Messages) == 1 && !v.Messages[0].IsTemp()
	})
	assert.Equal(t, "hi", v.Messages[0].Text)
	assert.Equal(t, "ana@example.com", v.Messages[0].SenderEmail)

	// stays deduplicated once the live echo has been processed
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.View().Messages, 1)

	rows, err := store.Recent(ctx, "lobby", gateway.HistoryLimit)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, v.Messages[0].ID, rows[0].ID)
}

func TestRoomSwitchIgnoresOldRoom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	c := startClient(t, store, nil)

	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	require.NoError(t, c.JoinRoom(ctx, "kitchen"))

	insert(t, store, "lobby", "bob@example.com", "en", "old room")
	insert(t, store, "kitchen", "bob@example.com", "en", "new room")

	v := waitView(t, c, func(v pipeline.View) bool { return len(v.Messages) == 1 })
	assert.Equal(t, "new room", v.Messages[0].Text)
	assert.Equal(t, "kitchen", v.Room)
}

func TestSetLanguageRetranslates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	insert(t, store, "lobby", "luis@example.com", "es", "hola")

	c := startClient(t, store, upperTranslator)
	_, err := c.SignUp(ctx, "ana", "ana@example.com", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	waitView(t, c, func(v pipeline.View) bool {
		return len(v.Messages) == 1 && v.Messages[0].TranslatedText == "en:HOLA"
	})

	u, err := c.SetLanguage(ctx, "fr")
	require.NoError(t, err)
	assert.Equal(t, "fr", u.PreferredLanguage)
	waitView(t, c, func(v pipeline.View) bool { return v.Messages[0].TranslatedText == "fr:HOLA" })

	p, err := store.GetProfile(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "fr", p.PreferredLanguage)
}

func TestLeaveAndLogout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	insert(t, store, "lobby", "bob@example.com", "en", "hey")

	c := startClient(t, store, nil)
	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	waitView(t, c, func(v pipeline.View) bool { return len(v.Messages) == 1 })

	c.LeaveRoom(ctx)
	assert.Empty(t, c.Room())
	waitView(t, c, func(v pipeline.View) bool { return v.Room == "" && len(v.Messages) == 0 })

	insert(t, store, "lobby", "bob@example.com", "en", "anyone?")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.View().Messages)

	require.NoError(t, c.JoinRoom(ctx, "lobby"))
	waitView(t, c, func(v pipeline.View) bool { return len(v.Messages) == 2 })

	c.Logout(ctx)
	_, ok := c.Session().Current()
	assert.False(t, ok)
	assert.Empty(t, c.Room())
}

func TestSystemEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, true)
	c := startClient(t, store, nil)

	var (
		mu     sync.Mutex
		events []chat.SystemEvent
	)
	c.OnSystemEvent(func(e chat.SystemEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	// the listener subscribes when Run starts
	require.Eventually(t, func() bool {
		_ = store.PublishSystem(ctx, chat.SystemEvent{Kind: "ping", Text: "probe", At: 1})
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, waitFor, tick)

	_, err := c.Guest("ana", "en")
	require.NoError(t, err)
	require.NoError(t, c.JoinRoom(ctx, "lobby"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Kind == client.EventJoin && e.Text == "ana joined lobby" && e.At > 0 {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestSchedulerRunsConfiguredTasks(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		runs []string
	)
	record := func(name string) tasks.ScheduledTaskFunc {
		return func(context.Context) error {
			mu.Lock()
			runs = append(runs, name)
			mu.Unlock()
			return nil
		}
	}

	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"sql_maintenance":         {Enabled: true, Schedule: "0 0 4 * * *"},
		"translation_cache_prune": {Enabled: false, Schedule: "0 30 * * * *"},
		"unknown":                 {Enabled: true, Schedule: "* * * * * *"},
	}}
	s, err := client.NewScheduler(logger.Discard(), cfg, map[string]tasks.ScheduledTaskFunc{
		"sql_maintenance":         record("sql_maintenance"),
		"translation_cache_prune": record("translation_cache_prune"),
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.Equal(t, []string{"sql_maintenance"}, s.Jobs())

	require.NoError(t, s.RunNow(context.Background(), "translation_cache_prune"))
	assert.Error(t, s.RunNow(context.Background(), "missing"))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"translation_cache_prune"}, runs)
}
