package client

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/tools/safe"
	"github.com/pplabs/chatwire/wire"
)

// Handler receives one decoded inbound event. Handlers for a kind run
// synchronously in registration order on the connection's read loop; slow
// work belongs on the handler's own goroutine.
type Handler func(ev wire.Event)

// Subscription identifies one registered handler so it can be removed.
// Go functions are not comparable, so Off takes the token instead of the
// handler itself.
type Subscription struct {
	id   string
	kind wire.EventKind
}

type handlerEntry struct {
	id string
	fn Handler
}

// Dispatcher fans inbound events out to registered handlers, keyed by the
// event variant. The table may be mutated concurrently with a dispatch;
// dispatch iterates a copy taken under the read lock.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.EventKind][]handlerEntry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.EventKind][]handlerEntry)}
}

func (d *Dispatcher) On(kind wire.EventKind, h Handler) Subscription {
	sub := Subscription{id: uuid.NewString(), kind: kind}
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], handlerEntry{id: sub.id, fn: h})
	d.mu.Unlock()
	return sub
}

func (d *Dispatcher) Off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			d.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every handler registered for ev.Kind. A panicking handler
// is logged and does not stop the remaining handlers.
func (d *Dispatcher) Dispatch(ev wire.Event) {
	d.mu.RLock()
	entries := d.handlers[ev.Kind]
	d.mu.RUnlock()

	for _, e := range entries {
		if r := safe.Call(func() { e.fn(ev) }); r != nil {
			logger.Errorf("[dispatch] handler panic kind=%s id=%s: %v", ev.Kind, e.id, r)
		}
	}
}
