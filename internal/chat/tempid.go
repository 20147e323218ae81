package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks client-assigned IDs of unconfirmed messages.
const TempPrefix = "temp-"

// IsTempID reports whether id was assigned by the client.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// TempIDs issues temporary message IDs of the form temp-<millis>. Two IDs
// requested within the same millisecond get a random suffix so that IDs stay
// unique.
type TempIDs struct {
	mu   sync.Mutex
	last int64
}

// NewTempIDs returns a temp ID generator.
func NewTempIDs() *TempIDs {
	return &TempIDs{}
}

// Next returns a temp ID for a send at time now.
func (g *TempIDs) Next(now time.Time) string {
	ms := now.UnixMilli()

	g.mu.Lock()
	collision := ms <= g.last
	if !collision {
		g.last = ms
	}
	g.mu.Unlock()

	id := TempPrefix + strconv.FormatInt(ms, 10)
	if collision {
		id += "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return id
}
