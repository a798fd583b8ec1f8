package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/muurk/kasa/internal/device"
)

// EventKind is the lifecycle transition an event reports.
type EventKind int

const (
	EventNew EventKind = iota
	EventOnline
	EventOffline
	EventError
)

// String returns the event suffix used in event names
func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event names accepted by Emitter.On.
const (
	EventDeviceNew     = "device-new"
	EventDeviceOnline  = "device-online"
	EventDeviceOffline = "device-offline"
	EventPlugNew       = "plug-new"
	EventPlugOnline    = "plug-online"
	EventPlugOffline   = "plug-offline"
	EventBulbNew       = "bulb-new"
	EventBulbOnline    = "bulb-online"
	EventBulbOffline   = "bulb-offline"
	EventErrorName     = "error"
)

// EventName builds the name of a lifecycle event for a category.
// CategoryGeneric yields the "device-" names.
func EventName(category device.Category, kind EventKind) string {
	if kind == EventError {
		return EventErrorName
	}
	return category.String() + "-" + kind.String()
}

// Event is one lifecycle notification.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Category device.Category `json:"category"`
	Record   Record          `json:"device"`
	RunID    string          `json:"run_id"`
	Time     time.Time       `json:"time"`
	Err      error           `json:"-"`
}

// Handler receives events. Handlers run on the discovery goroutine and must
// not block; they may call Engine.Stop.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Emitter delivers events to handlers subscribed by name.
type Emitter struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]subscription)}
}

// On subscribes handler to the named event and returns a function that
// removes the subscription.
func (em *Emitter) On(name string, handler Handler) (unsubscribe func()) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.nextID++
	id := em.nextID
	em.subs[name] = append(em.subs[name], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { em.off(name, id) })
	}
}

func (em *Emitter) off(name string, id uint64) {
	em.mu.Lock()
	defer em.mu.Unlock()
	subs := em.subs[name]
	for i, s := range subs {
		if s.id == id {
			em.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish reports a lifecycle event under its generic name and, for plugs
// and bulbs, once more under the category name with the same payload.
func (em *Emitter) Publish(ev Event) {
	if ev.Kind == EventError {
		em.emit(EventErrorName, ev)
		return
	}
	em.emit(EventName(device.CategoryGeneric, ev.Kind), ev)
	if ev.Category != device.CategoryGeneric {
		em.emit(EventName(ev.Category, ev.Kind), ev)
	}
}

func (em *Emitter) emit(name string, ev Event) {
	em.mu.RLock()
	subs := append([]subscription(nil), em.subs[name]...)
	em.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}
