package gateway

import (
	"sync"

	"github.com/edgard/babelchat/internal/chat"
)

// Hub is an in-process fan-out for rows and system events, used by stores
// that have no native notification mechanism.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	rooms   map[string]map[uint64]RowHandler
	systems map[uint64]SystemHandler
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[uint64]RowHandler),
		systems: make(map[uint64]SystemHandler),
	}
}

// Subscribe registers fn for rows of roomID.
func (h *Hub) Subscribe(roomID string, fn RowHandler) Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[uint64]RowHandler)
	}
	h.rooms[roomID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.rooms[roomID], id)
			if len(h.rooms[roomID]) == 0 {
				delete(h.rooms, roomID)
			}
		})
		return nil
	})
}

// SubscribeSystem registers fn for system events.
func (h *Hub) SubscribeSystem(fn SystemHandler) Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.systems[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			h.mu.Lock()
			delete(h.systems, id)
			h.mu.Unlock()
		})
		return nil
	})
}

// Publish delivers row to the subscribers of its room. Handlers run on the
// caller's goroutine, outside the hub lock.
func (h *Hub) Publish(row Row) {
	h.mu.RLock()
	handlers := make([]RowHandler, 0, len(h.rooms[row.RoomID]))
	for _, fn := range h.rooms[row.RoomID] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(row)
	}
}

// PublishSystem delivers event to all system subscribers.
func (h *Hub) PublishSystem(event chat.SystemEvent) {
	h.mu.RLock()
	handlers := make([]SystemHandler, 0, len(h.systems))
	for _, fn := range h.systems {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// Subscribers returns the number of row subscribers of roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
