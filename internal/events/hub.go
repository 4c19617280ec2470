package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a session lifecycle event.
type Type string

const (
	SessionStarted    Type = "session.started"
	SessionInProgress Type = "session.in_progress"
	SessionFinished   Type = "session.finished"
	SessionFailed     Type = "session.failed"
	// SessionRejected is published when validation blocks a submission.
	SessionRejected Type = "session.rejected"
)

// SessionEvent is the payload carried by every session event.
type SessionEvent struct {
	SessionID  string `json:"session_id"`
	Provider   string `json:"provider,omitempty"`
	Status     string `json:"status"`
	TargetURL  string `json:"target_url,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Failure    string `json:"failure,omitempty"`
	Message    string `json:"message,omitempty"`
}

type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Session decodes the event payload.
func (e Event) Session() (SessionEvent, error) {
	var se SessionEvent
	err := json.Unmarshal(e.Data, &se)
	return se, err
}

const subscriberBuffer = 128

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish fans ev out to subscribers. Slow subscribers miss events rather
// than block the publisher.
func (h *Hub) Publish(eventType Type, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the ring stays ordered by ID.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastID returns the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	return h.nextID.Load()
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
