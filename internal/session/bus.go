package session

import (
	"strings"
	"sync"
)

// Update is delivered to listeners when a session transcript file grows.
type Update struct {
	SessionFile string
}

// Listener receives session transcript update notifications.
type Listener func(Update)

// Bus is a process-wide "session transcript updated" pub/sub. The
// session-transcript writer (out of scope for this module) publishes to
// it; each agent's Syncer subscribes and filters to its own transcript
// directory.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewBus creates an empty event bus. Most callers use the package-level
// DefaultBus instead of creating their own, since the bus is meant to be
// process-wide.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// DefaultBus is the process-wide session-transcript-update bus.
var DefaultBus = NewBus()

// Subscribe registers a listener and returns an unsubscribe function.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish notifies all listeners that sessionFile grew. Empty or
// whitespace-only paths are dropped silently.
func (b *Bus) Publish(sessionFile string) {
	sessionFile = strings.TrimSpace(sessionFile)
	if sessionFile == "" {
		return
	}

	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(Update{SessionFile: sessionFile})
	}
}
