// Package chat holds the client-side data model shared by the sync adapter,
// the reconciliation pipeline and the presentation layer.
package chat

import "time"

// Message is a chat message as seen by the client. Persisted messages carry a
// server-assigned ID; optimistic sends carry a temporary ID (see NewTempIDs).
type Message struct {
	ID             string `json:"id"`
	RoomID         string `json:"room_id"`
	Sender         string `json:"sender"`
	SenderEmail    string `json:"sender_email"`
	SenderLanguage string `json:"sender_language"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds

	// ClientRef is the temporary ID of the optimistic send that produced this
	// message, when the store echoes it back. Empty otherwise.
	ClientRef string `json:"client_ref,omitempty"`
}

// IsTemp reports whether the message is an unconfirmed optimistic send.
func (m Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// TranslatedMessage is a Message annotated with translation state.
type TranslatedMessage struct {
	Message

	// TranslatedText is set once translation resolves. On failure it holds
	// the original text.
	TranslatedText string `json:"translated_text,omitempty"`
	IsTranslating  bool   `json:"is_translating"`
}

// DisplayText returns the text the presentation layer should show.
func (m TranslatedMessage) DisplayText() string {
	if m.TranslatedText != "" {
		return m.TranslatedText
	}
	return m.Text
}

// Draft is a message about to be persisted.
type Draft struct {
	Sender         string
	SenderEmail    string
	SenderLanguage string
	Text           string
	ClientRef      string
}

// Viewer identifies whose perspective the message list is built for.
type Viewer struct {
	Username          string
	Email             string
	PreferredLanguage string
}

// Room is a chat room. Any party holding the ID can join it.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SystemEvent is an ephemeral event on the global broadcast channel.
type SystemEvent struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	At   int64  `json:"at"` // unix milliseconds
}

// NowMillis returns t in unix milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
