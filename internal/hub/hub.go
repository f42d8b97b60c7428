// Package hub fans task events out to realtime clients. Delivery is best
// effort: a client whose buffer is full misses the event and nothing is
// replayed.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"searchdock/internal/results"
)

type EventType string

const (
	EventProgress   EventType = "progress"
	EventResults    EventType = "results"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
	EventStatus     EventType = "status"
)

// Event is the envelope every client receives.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Progress struct {
	Progress  int    `json:"progress"`
	Total     int    `json:"total"`
	Operation string `json:"operation"`
}

type Results struct {
	Records []results.Record `json:"results"`
	Offset  int              `json:"offset"`
	Total   int              `json:"total"`
}

type Completion struct {
	Status       string `json:"status"`
	TotalResults int    `json:"totalResults"`
	Message      string `json:"message,omitempty"`
}

type Failure struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Subscriber is one connected client. C is closed by Disconnect.
type Subscriber struct {
	ID string
	C  <-chan Event

	ch chan Event
}

type Options struct {
	RoomRetention time.Duration
	ClientBuffer  int
}

type Stats struct {
	Clients int    `json:"clients"`
	Rooms   int    `json:"rooms"`
	Dropped uint64 `json:"dropped"`
}

type Hub struct {
	mu      sync.Mutex
	clients map[string]*Subscriber
	// client -> tasks and task -> clients
	byClient map[string]map[string]struct{}
	byTask   map[string]map[string]struct{}
	expiry   map[string]*time.Timer

	opts    Options
	dropped atomic.Uint64
	now     func() time.Time
}

func New(opts Options) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.RoomRetention <= 0 {
		opts.RoomRetention = 30 * time.Second
	}
	return &Hub{
		clients:  make(map[string]*Subscriber),
		byClient: make(map[string]map[string]struct{}),
		byTask:   make(map[string]map[string]struct{}),
		expiry:   make(map[string]*time.Timer),
		opts:     opts,
		now:      time.Now,
	}
}

// Connect registers a client. Connecting an id twice returns the existing
// subscriber.
func (h *Hub) Connect(clientID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.clients[clientID]; ok {
		return sub
	}
	ch := make(chan Event, h.opts.ClientBuffer)
	sub := &Subscriber{ID: clientID, C: ch, ch: ch}
	h.clients[clientID] = sub
	h.byClient[clientID] = make(map[string]struct{})
	log.Debug().Str("client_id", clientID).Msg("realtime client connected")
	return sub
}

// Subscribe adds clientID to the task's room. Unknown clients are ignored.
func (h *Hub) Subscribe(clientID, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	tasks, ok := h.byClient[clientID]
	if !ok {
		return false
	}
	tasks[taskID] = struct{}{}
	room, ok := h.byTask[taskID]
	if !ok {
		room = make(map[string]struct{})
		h.byTask[taskID] = room
	}
	room[clientID] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(clientID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(clientID, taskID)
}

func (h *Hub) unsubscribeLocked(clientID, taskID string) {
	if tasks, ok := h.byClient[clientID]; ok {
		delete(tasks, taskID)
	}
	if room, ok := h.byTask[taskID]; ok {
		delete(room, clientID)
		if len(room) == 0 {
			h.dropRoomLocked(taskID)
		}
	}
}

// Disconnect removes the client from every room and closes its channel.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.clients[clientID]
	if !ok {
		return
	}
	for taskID := range h.byClient[clientID] {
		h.unsubscribeLocked(clientID, taskID)
	}
	delete(h.byClient, clientID)
	delete(h.clients, clientID)
	close(sub.ch)
	log.Debug().Str("client_id", clientID).Msg("realtime client disconnected")
}

func (h *Hub) dropRoomLocked(taskID string) {
	delete(h.byTask, taskID)
	if t, ok := h.expiry[taskID]; ok {
		t.Stop()
		delete(h.expiry, taskID)
	}
}

func (h *Hub) PublishProgress(taskID string, p Progress) {
	h.publish(taskID, EventProgress, p)
}

func (h *Hub) PublishResults(taskID string, r Results) {
	h.publish(taskID, EventResults, r)
}

// PublishCompletion sends the final event and schedules the room for removal.
func (h *Hub) PublishCompletion(taskID string, c Completion) {
	h.publish(taskID, EventCompletion, c)
	h.expire(taskID)
}

func (h *Hub) PublishError(taskID string, f Failure) {
	h.publish(taskID, EventError, f)
	h.expire(taskID)
}

// Send delivers an event to a single client regardless of its rooms.
func (h *Hub) Send(clientID string, ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	return h.deliverLocked(sub, ev)
}

func (h *Hub) publish(taskID string, typ EventType, payload any) {
	ev := Event{Type: typ, TaskID: taskID, Payload: payload, Timestamp: h.now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for clientID := range h.byTask[taskID] {
		if sub, ok := h.clients[clientID]; ok {
			h.deliverLocked(sub, ev)
		}
	}
}

func (h *Hub) deliverLocked(sub *Subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		n := h.dropped.Add(1)
		log.Debug().Str("client_id", sub.ID).Str("task_id", ev.TaskID).Uint64("dropped", n).Msg("client buffer full, event dropped")
		return false
	}
}

func (h *Hub) expire(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byTask[taskID]; !ok {
		return
	}
	if t, ok := h.expiry[taskID]; ok {
		t.Stop()
	}
	h.expiry[taskID] = time.AfterFunc(h.opts.RoomRetention, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for clientID := range h.byTask[taskID] {
			delete(h.byClient[clientID], taskID)
		}
		delete(h.byTask, taskID)
		delete(h.expiry, taskID)
	})
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Clients: len(h.clients), Rooms: len(h.byTask), Dropped: h.dropped.Load()}
}
