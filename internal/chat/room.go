package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	nanoid "github.com/jaevor/go-nanoid"
)

// Validation limits.
const (
	MaxRoomIDLength   = 64
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
	roomIDAlphabet    = "abcdefghijkmnpqrstuvwxyz23456789"
	roomIDLength      = 10
)

var newRoomID = mustRoomIDGenerator()

func mustRoomIDGenerator() func() string {
	gen, err := nanoid.CustomASCII(roomIDAlphabet, roomIDLength)
	if err != nil {
		panic(fmt.Sprintf("room id generator: %v", err))
	}
	return gen
}

// NewRoom returns a room with the given id, generating a short shareable id
// when id is empty. The name defaults to the id.
func NewRoom(id, name string) (Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = newRoomID()
	}
	if err := ValidateRoomID(id); err != nil {
		return Room{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	if len(name) > MaxRoomNameLength || !utf8.ValidString(name) {
		return Room{}, fmt.Errorf("invalid room name %q", name)
	}
	return Room{ID: id, Name: name}, nil
}

// ValidateRoomID checks that id can be used as a room filter.
func ValidateRoomID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("room id cannot be empty")
	case len(id) > MaxRoomIDLength:
		return fmt.Errorf("room id exceeds %d characters", MaxRoomIDLength)
	case strings.ContainsAny(id, " \t\r\n*>"):
		return fmt.Errorf("room id %q contains invalid characters", id)
	}
	return nil
}

// ValidateText checks outgoing message text.
func ValidateText(text string) error {
	switch {
	case strings.TrimSpace(text) == "":
		return fmt.Errorf("message text cannot be empty")
	case len(text) > MaxMessageLength:
		return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	case !utf8.ValidString(text):
		return fmt.Errorf("message contains invalid characters")
	}
	return nil
}
