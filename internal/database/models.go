package database

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/edgard/babelchat/internal/gateway"
)

// messageRecord is the messages table row. Timestamps are stored as unix
// milliseconds so ordering survives the driver's time encoding.
type messageRecord struct {
	ID             int64  `db:"id"`
	RoomID         string `db:"room_id"`
	SenderEmail    string `db:"sender_email"`
	SenderUsername string `db:"sender_username"`
	SenderLanguage string `db:"sender_language"`
	Text           string `db:"text"`
	ClientRef      string `db:"client_ref"`
	CreatedAt      int64  `db:"created_at"`
}

func (r messageRecord) row() gateway.Row {
	return gateway.Row{
		ID:             strconv.FormatInt(r.ID, 10),
		RoomID:         r.RoomID,
		SenderEmail:    r.SenderEmail,
		SenderUsername: r.SenderUsername,
		SenderLanguage: r.SenderLanguage,
		Text:           r.Text,
		CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
		ClientRef:      r.ClientRef,
	}
}

// Profile is the account metadata kept for a signed-up user.
// Friends is an opaque list of email addresses.
type Profile struct {
	Email             string    `db:"email"`
	Username          string    `db:"username"`
	PreferredLanguage string    `db:"preferred_language"`
	Friends           []string  `db:"-"`
	CreatedAt         time.Time `db:"-"`
	UpdatedAt         time.Time `db:"-"`
}

// profileRecord is the profiles table row.
type profileRecord struct {
	Email             string `db:"email"`
	Username          string `db:"username"`
	PreferredLanguage string `db:"preferred_language"`
	Friends           string `db:"friends"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

func newProfileRecord(p *Profile) (profileRecord, error) {
	friends := p.Friends
	if friends == nil {
		friends = []string{}
	}
	raw, err := json.Marshal(friends)
	if err != nil {
		return profileRecord{}, err
	}

	return profileRecord{
		Email:             p.Email,
		Username:          p.Username,
		PreferredLanguage: p.PreferredLanguage,
		Friends:           string(raw),
		CreatedAt:         p.CreatedAt.UnixMilli(),
		UpdatedAt:         p.UpdatedAt.UnixMilli(),
	}, nil
}

func (r profileRecord) profile() (*Profile, error) {
	var friends []string
	if r.Friends != "" {
		if err := json.Unmarshal([]byte(r.Friends), &friends); err != nil {
			return nil, err
		}
	}

	return &Profile{
		Email:             r.Email,
		Username:          r.Username,
		PreferredLanguage: r.PreferredLanguage,
		Friends:           friends,
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}

// translationRecord is a cached translation.
type translationRecord struct {
	CacheKey       string `db:"cache_key"`
	TranslatedText string `db:"translated_text"`
	CreatedAt      int64  `db:"created_at"`
}
