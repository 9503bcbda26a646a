package offline

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventCollectionChanged EventKind = "collection_changed"
	EventEnqueued          EventKind = "enqueued"
	EventFlushCompleted    EventKind = "flush_completed"
	EventFlushFailed       EventKind = "flush_failed"
	EventConnectionChanged EventKind = "connection_changed"
	EventNotification      EventKind = "notification"
)

type Event struct {
	Kind        EventKind `json:"kind"`
	Collection  string    `json:"collection,omitempty"`
	OperationID string    `json:"operationId,omitempty"`
	Level       string    `json:"level,omitempty"`
	Message     string    `json:"message,omitempty"`
	Synced      int       `json:"synced,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Online      bool      `json:"online,omitempty"`
	At          time.Time `json:"at"`
}

// Hub fans events out to subscribers. Slow subscribers lose events instead of
// blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
