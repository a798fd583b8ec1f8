package eventstream

import (
	"sync"
	"time"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
)

// Message types sent to clients
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Message is one frame of the feed.
type Message struct {
	Type      string            `json:"type"`
	Event     string            `json:"event,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Device    *discovery.Record `json:"device,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Source is where the hub gets its events; *client.Client and
// *discovery.Engine implement it.
type Source interface {
	On(name string, handler discovery.Handler) func()
	Devices() []discovery.Record
}

// subscribedEvents are the names the hub listens to. Category names are
// included so clients see which category event fired.
var subscribedEvents = []string{
	discovery.EventPlugNew, discovery.EventPlugOnline, discovery.EventPlugOffline,
	discovery.EventBulbNew, discovery.EventBulbOnline, discovery.EventBulbOffline,
	discovery.EventErrorName,
}

// genericEvents are only forwarded for devices without a category, since
// plugs and bulbs already arrive under their category name.
var genericEvents = []string{
	discovery.EventDeviceNew, discovery.EventDeviceOnline, discovery.EventDeviceOffline,
}

// Hub fans events out to subscribers without blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Message]struct{}
	buffer  int
	unsubs  []func()
	dropped uint64
}

// NewHub creates a hub whose subscriber queues hold buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: make(map[chan Message]struct{}), buffer: buffer}
}

// Attach subscribes the hub to src.
func (h *Hub) Attach(src Source) {
	for _, name := range subscribedEvents {
		name := name
		h.unsubs = append(h.unsubs, src.On(name, func(ev discovery.Event) {
			h.Broadcast(newMessage(name, ev))
		}))
	}
	for _, name := range genericEvents {
		name := name
		h.unsubs = append(h.unsubs, src.On(name, func(ev discovery.Event) {
			if ev.Category != device.CategoryGeneric {
				return
			}
			h.Broadcast(newMessage(name, ev))
		}))
	}
}

// Detach removes the hub's subscriptions.
func (h *Hub) Detach() {
	for _, off := range h.unsubs {
		off()
	}
	h.unsubs = nil
}

func newMessage(name string, ev discovery.Event) Message {
	msg := Message{Type: TypeEvent, Event: name, RunID: ev.RunID, Timestamp: ev.Time}
	if ev.Kind == discovery.EventError {
		msg.Type = TypeError
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
		return msg
	}
	rec := ev.Record
	msg.Device = &rec
	return msg
}

// Subscribe registers a new subscriber queue.
func (h *Hub) Subscribe() chan Message {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber queue.
func (h *Hub) Unsubscribe(ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast queues msg for every subscriber, dropping it for full queues.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// closeAll closes every subscriber queue, ending their streams.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}
