// Package pipeline reconciles history, live pushes and optimistic sends into
// one ordered message list per room, and annotates it with translations.
//
// All list mutations happen on the goroutine running Run. Public methods only
// enqueue events, so they are safe to call from any goroutine, including sync
// adapter listeners.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/logger"
	"github.com/edgard/babelchat/internal/translate"
)

const eventBuffer = 256

// Sender persists a draft in a room and returns the stored message.
type Sender interface {
	SendMessage(ctx context.Context, roomID string, draft chat.Draft) (chat.Message, error)
}

// View is a snapshot of the pipeline state for the presentation layer.
type View struct {
	Room     string
	Messages []chat.TranslatedMessage
	Draft    string
	Err      error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock used for temp ids and timestamps of
// optimistic sends.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTranslator enables translation. Without it, or with a nil translator,
// no message is ever marked as translating.
func WithTranslator(t translate.Translator) Option {
	return func(p *Pipeline) {
		p.translator = t
	}
}

type entry struct {
	msg chat.TranslatedMessage
	seq uint64
}

// inflight is the single outstanding translation request.
type inflight struct {
	token uint64
	id    string
	stale bool // viewer changed since the request started
}

// Pipeline owns the message list of the current room.
type Pipeline struct {
	sender     Sender
	translator translate.Translator
	logger     *slog.Logger
	now        func() time.Time
	tempIDs    *chat.TempIDs

	events  chan func()
	stopped chan struct{}
	runOnce sync.Once
	ctx     context.Context

	// owned by the Run goroutine
	room          string
	viewer        chat.Viewer
	entries       []entry
	seq           uint64
	draft         string
	err           error
	current       *inflight
	tokens        uint64
	roomCtx       context.Context
	cancelRoomCtx context.CancelFunc

	mu        sync.RWMutex
	view      View
	observers map[uint64]func(View)
	nextObs   uint64
}

// New creates a pipeline that persists sends through sender.
func New(sender Sender, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Pipeline{
		sender:    sender,
		logger:    log.With("component", "pipeline"),
		now:       time.Now,
		tempIDs:   chat.NewTempIDs(),
		events:    make(chan func(), eventBuffer),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		observers: make(map[uint64]func(View)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.roomCtx, p.cancelRoomCtx = context.WithCancel(p.ctx)

	return p
}

// Run processes events until ctx is cancelled. It must be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("pipeline is already running")
	}

	p.ctx = ctx
	p.cancelRoomCtx()
	p.roomCtx, p.cancelRoomCtx = context.WithCancel(ctx)
	defer func() {
		p.cancelRoomCtx()
		close(p.stopped)
	}()

	p.logger.InfoContext(ctx, "Pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Pipeline stopped")
			return nil
		case ev := <-p.events:
			ev()
			p.publish()
		}
	}
}

func (p *Pipeline) enqueue(ev func()) {
	select {
	case p.events <- ev:
	case <-p.stopped:
	}
}

// EnterRoom resets the list, draft, error and translation state and starts
// accepting events for roomID. An empty roomID leaves the pipeline idle.
func (p *Pipeline) EnterRoom(roomID string) {
	p.enqueue(func() {
		p.cancelRoomCtx()
		p.roomCtx, p.cancelRoomCtx = context.WithCancel(p.ctx)

		p.room = roomID
		p.entries = nil
		p.draft = ""
		p.err = nil
		p.current = nil
		p.logger.Debug("Room reset", "room_id", roomID)
	})
}

// SetViewer changes whose perspective translations are computed for.
// Existing translations are discarded and eligibility recomputed.
func (p *Pipeline) SetViewer(v chat.Viewer) {
	p.enqueue(func() {
		languageChanged := !chat.SameLanguage(p.viewer.PreferredLanguage, v.PreferredLanguage)
		p.viewer = v

		if p.current != nil {
			p.current.stale = true
		}
		for i := range p.entries {
			m := &p.entries[i].msg
			eligible := p.eligible(m.Message)
			if languageChanged || !eligible {
				m.TranslatedText = ""
			}
			m.IsTranslating = m.TranslatedText == "" && eligible
		}
		p.pump()
	})
}

// AdmitHistory merges fetched history of roomID into the list.
func (p *Pipeline) AdmitHistory(roomID string, msgs []chat.Message) {
	p.enqueue(func() {
		if roomID != p.room {
			p.logger.Debug("Dropping history of another room", "room_id", roomID, "current_room", p.room)
			return
		}
		for _, m := range msgs {
			if p.index(m.ID) >= 0 {
				continue
			}
			if !p.confirm(m) {
				p.insert(m)
			}
		}
		p.sort()
		p.pump()
	})
}

// AdmitLive admits a message pushed by the live channel of roomID.
func (p *Pipeline) AdmitLive(roomID string, m chat.Message) {
	p.enqueue(func() {
		if roomID != p.room || m.RoomID != "" && m.RoomID != roomID {
			p.logger.Debug("Dropping live message of another room", "room_id", roomID, "message_id", m.ID)
			return
		}
		p.admitPersisted(m)
	})
}

// SetDraft replaces the composer text.
func (p *Pipeline) SetDraft(text string) {
	p.enqueue(func() {
		p.draft = text
	})
}

// Send appends text as an optimistic message and persists it in the
// background. On failure the message is removed, the draft restored and a
// WriteRejected error surfaced.
func (p *Pipeline) Send(text string) {
	p.enqueue(func() {
		if p.room == "" {
			p.err = errs.WriteRejected("not connected to a room", nil)
			return
		}
		if err := chat.ValidateText(text); err != nil {
			p.draft = text
			p.err = errs.WriteRejected("message rejected", err)
			return
		}

		now := p.now()
		tempID := p.tempIDs.Next(now)
		msg := chat.Message{
			ID:             tempID,
			RoomID:         p.room,
			Sender:         p.viewer.Username,
			SenderEmail:    p.viewer.Email,
			SenderLanguage: p.viewer.PreferredLanguage,
			Text:           text,
			Timestamp:      chat.NowMillis(now),
			ClientRef:      tempID,
		}
		p.insert(msg)
		p.sort()
		p.draft = ""

		draft := chat.Draft{
			Sender:         msg.Sender,
			SenderEmail:    msg.SenderEmail,
			SenderLanguage: msg.SenderLanguage,
			Text:           text,
			ClientRef:      tempID,
		}
		room := p.room
		ctx := p.ctx
		go func() {
			stored, err := p.sender.SendMessage(ctx, room, draft)
			p.enqueue(func() { p.sendDone(room, tempID, text, stored, err) })
		}()
	})
}

func (p *Pipeline) sendDone(room, tempID, text string, stored chat.Message, err error) {
	if room != p.room {
		return
	}

	if err != nil {
		p.logger.Warn("Send failed, rolling back", "temp_id", tempID, "error", err)
		if i := p.index(tempID); i >= 0 {
			p.entries = slices.Delete(p.entries, i, i+1)
		}
		p.draft = text
		p.err = errs.Ensure(err, errs.KindWriteRejected, "failed to send message")
		return
	}

	if stored.ClientRef == "" {
		stored.ClientRef = tempID
	}
	p.admitPersisted(stored)
}

// ReportError surfaces err as the dismissible error state of roomID.
func (p *Pipeline) ReportError(roomID string, err error) {
	if err == nil {
		return
	}
	p.enqueue(func() {
		if roomID != p.room {
			return
		}
		p.err = err
	})
}

// DismissError clears the error state.
func (p *Pipeline) DismissError() {
	p.enqueue(func() {
		p.err = nil
	})
}

// OnChange registers fn to receive a snapshot after every processed event.
// fn runs on the pipeline goroutine and must not block.
func (p *Pipeline) OnChange(fn func(View)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// View returns the latest snapshot.
func (p *Pipeline) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v := p.view
	v.Messages = slices.Clone(p.view.Messages)
	return v
}

func (p *Pipeline) publish() {
	msgs := make([]chat.TranslatedMessage, len(p.entries))
	for i, e := range p.entries {
		msgs[i] = e.msg
	}
	v := View{Room: p.room, Messages: msgs, Draft: p.draft, Err: p.err}

	p.mu.Lock()
	p.view = v
	observers := make([]func(View), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.mu.Unlock()

	for _, fn := range observers {
		snapshot := v
		snapshot.Messages = slices.Clone(msgs)
		fn(snapshot)
	}
}

// admitPersisted confirms a matching placeholder or appends m. Known ids are
// discarded.
func (p *Pipeline) admitPersisted(m chat.Message) {
	if p.index(m.ID) >= 0 {
		p.logger.Debug("Duplicate message discarded", "message_id", m.ID)
		return
	}
	if !p.confirm(m) {
		p.insert(m)
	}
	p.sort()
	p.pump()
}

// confirm replaces the placeholder m was persisted from, if any.
func (p *Pipeline) confirm(m chat.Message) bool {
	i := p.placeholder(m)
	if i < 0 {
		return false
	}

	p.logger.Debug("Placeholder confirmed", "temp_id", p.entries[i].msg.ID, "message_id", m.ID)
	p.entries[i].msg = chat.TranslatedMessage{Message: m, IsTranslating: p.eligible(m)}
	return true
}

// placeholder finds the temp message m confirms: by client ref when echoed,
// else the oldest temp message with the same sender and text.
func (p *Pipeline) placeholder(m chat.Message) int {
	if m.IsTemp() {
		return -1
	}
	if m.ClientRef != "" {
		if i := p.index(m.ClientRef); i >= 0 && p.entries[i].msg.IsTemp() {
			return i
		}
	}
	for i, e := range p.entries {
		if e.msg.IsTemp() && e.msg.SenderEmail == m.SenderEmail && e.msg.Text == m.Text {
			return i
		}
	}
	return -1
}

func (p *Pipeline) insert(m chat.Message) {
	p.seq++
	p.entries = append(p.entries, entry{
		msg: chat.TranslatedMessage{Message: m, IsTranslating: p.eligible(m)},
		seq: p.seq,
	})
}

func (p *Pipeline) sort() {
	slices.SortFunc(p.entries, func(a, b entry) int {
		if a.msg.Timestamp != b.msg.Timestamp {
			if a.msg.Timestamp < b.msg.Timestamp {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})
}

func (p *Pipeline) index(id string) int {
	return slices.IndexFunc(p.entries, func(e entry) bool { return e.msg.ID == id })
}

// eligible reports whether m should be translated for the current viewer.
func (p *Pipeline) eligible(m chat.Message) bool {
	if p.translator == nil || m.IsTemp() || p.viewer.PreferredLanguage == "" {
		return false
	}
	if m.SenderEmail == p.viewer.Email {
		return false
	}
	return !chat.SameLanguage(m.SenderLanguage, p.viewer.PreferredLanguage)
}

// pump starts a translation for the oldest pending message unless one is
// already outstanding.
func (p *Pipeline) pump() {
	if p.current != nil || p.translator == nil {
		return
	}

	i := slices.IndexFunc(p.entries, func(e entry) bool { return e.msg.IsTranslating })
	if i < 0 {
		return
	}

	msg := p.entries[i].msg.Message
	p.tokens++
	req := &inflight{token: p.tokens, id: msg.ID}
	p.current = req

	tr := translate.Request{
		Text:           msg.Text,
		TargetLanguage: p.viewer.PreferredLanguage,
		SourceLanguage: msg.SenderLanguage,
	}
	ctx := p.roomCtx
	p.logger.Debug("Translating message", "message_id", msg.ID, "target_language", tr.TargetLanguage,
		"text", logger.Preview(msg.Text, 40))

	go func() {
		text, err := p.translator.Translate(ctx, tr)
		p.enqueue(func() { p.translationDone(req, text, err) })
	}()
}

func (p *Pipeline) translationDone(req *inflight, text string, err error) {
	if p.current == nil || p.current.token != req.token {
		return
	}
	p.current = nil
	defer p.pump()

	if req.stale {
		return
	}
	i := p.index(req.id)
	if i < 0 || !p.entries[i].msg.IsTranslating {
		return
	}

	m := &p.entries[i].msg
	m.IsTranslating = false
	if err != nil {
		p.logger.Warn("Translation failed, showing original", "message_id", m.ID, "error", err)
		m.TranslatedText = m.Text
		return
	}
	if text == "" {
		text = m.Text
	}
	m.TranslatedText = text
}
