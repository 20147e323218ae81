package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/client"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/pipeline"
	"github.com/edgard/babelchat/internal/session"
)

const helpText = `commands:
  /join <room>            join a room
  /new [name]             create a room with a generated id and join it
  /leave                  leave the current room
  /lang <code>            change the preferred language (e.g. en, pt-BR)
  /friend add|rm <email>  manage friends
  /whoami                 show the current identity
  /dismiss                clear the current error
  /quit                   exit
anything else is sent to the current room`

// terminal renders snapshots as an append-only log and reads commands.
type terminal struct {
	out    io.Writer
	now    func() time.Time
	prompt bool

	mu      sync.Mutex
	room    string
	shown   map[string]string
	lastErr string
	draft   string
}

func newTerminal(out io.Writer, prompt bool) *terminal {
	return &terminal{out: out, now: time.Now, prompt: prompt, shown: make(map[string]string)}
}

// render prints what changed since the previous snapshot.
func (t *terminal) render(v pipeline.View) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.Room != t.room {
		t.room = v.Room
		t.shown = make(map[string]string)
		if v.Room != "" {
			fmt.Fprintf(t.out, "== %s ==\n", v.Room)
		}
	}

	for _, m := range v.Messages {
		// a confirmed send keeps the line of its placeholder
		key := m.ID
		if m.ClientRef != "" {
			key = m.ClientRef
		}
		line := t.format(m)
		if t.shown[key] == line {
			continue
		}
		t.shown[key] = line
		fmt.Fprintln(t.out, line)
	}

	errText := ""
	if v.Err != nil {
		errText = describe(v.Err)
	}
	if errText != t.lastErr {
		t.lastErr = errText
		if errText != "" {
			fmt.Fprintf(t.out, "! %s (/dismiss)\n", errText)
		}
	}

	if v.Draft != t.draft {
		t.draft = v.Draft
		if v.Draft != "" {
			fmt.Fprintf(t.out, "draft: %s\n", v.Draft)
		}
	}
}

func (t *terminal) system(e chat.SystemEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "* %s\n", e.Text)
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) format(m chat.TranslatedMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (%s): %s", t.stamp(m.Time()), m.Sender, m.SenderLanguage, m.Text)
	switch {
	case m.IsTranslating:
		b.WriteString(" …")
	case m.TranslatedText != "" && m.TranslatedText != m.Text:
		b.WriteString(" → " + m.TranslatedText)
	}
	return b.String()
}

func (t *terminal) stamp(at time.Time) string {
	if t.now().Sub(at) > time.Hour {
		return humanize.Time(at)
	}
	return at.Local().Format("15:04")
}

func describe(err error) string {
	switch errs.KindOf(err) {
	case errs.KindBackendUnavailable:
		return "chat service unavailable: " + err.Error()
	case errs.KindSchemaMissing:
		return "chat service is not set up: " + err.Error()
	case errs.KindWriteRejected:
		return "message not sent: " + err.Error()
	default:
		return err.Error()
	}
}

// parseCommand splits "/name args..." into its parts. Lines that are not
// commands return an empty name.
func parseCommand(line string) (name string, args []string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// loop reads lines from in until EOF, /quit or ctx is done.
func (t *terminal) loop(ctx context.Context, in io.Reader, c *client.Client) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if t.prompt {
			t.printf("> ")
		}
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !t.execute(ctx, c, line) {
				return
			}
		}
	}
}

// execute runs one input line and reports whether to keep reading.
func (t *terminal) execute(ctx context.Context, c *client.Client, line string) bool {
	name, args := parseCommand(line)
	if name == "" {
		if strings.TrimSpace(line) == "" {
			return true
		}
		if err := c.Send(line); err != nil {
			t.printf("! %v\n", err)
		}
		return true
	}

	var err error
	switch name {
	case "quit", "exit":
		return false
	case "help":
		t.printf("%s\n", helpText)
	case "join":
		if len(args) != 1 {
			t.printf("usage: /join <room>\n")
			return true
		}
		err = c.JoinRoom(ctx, args[0])
	case "new":
		var room chat.Room
		room, err = chat.NewRoom("", strings.Join(args, " "))
		if err == nil {
			t.printf("created room %s (share this id to invite others)\n", room.ID)
			err = c.JoinRoom(ctx, room.ID)
		}
	case "leave":
		c.LeaveRoom(ctx)
	case "lang":
		if len(args) != 1 {
			t.printf("usage: /lang <code>\n")
			return true
		}
		var u session.User
		if u, err = c.SetLanguage(ctx, args[0]); err == nil {
			t.printf("language set to %s (%s)\n", u.PreferredLanguage, chat.LanguageName(u.PreferredLanguage))
		}
	case "friend":
		err = t.friend(ctx, c, args)
	case "whoami":
		if u, ok := c.Session().Current(); ok {
			t.printf("%s <%s> %s guest=%t friends=%v\n", u.Username, u.Email, u.PreferredLanguage, u.Guest, u.Friends)
		} else {
			t.printf("not signed in\n")
		}
	case "dismiss":
		c.DismissError()
	default:
		t.printf("unknown command /%s, try /help\n", name)
	}

	if err != nil {
		t.printf("! %s\n", describe(err))
	}
	return true
}

func (t *terminal) friend(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		t.printf("usage: /friend add|rm <email>\n")
		return nil
	}
	var err error
	switch args[0] {
	case "add":
		_, err = c.Session().AddFriend(ctx, args[1])
	case "rm", "remove":
		_, err = c.Session().RemoveFriend(ctx, args[1])
	default:
		t.printf("usage: /friend add|rm <email>\n")
	}
	return err
}
