package pipeline

import (
	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/cachemgr"
)

// EventKind discriminates the pipeline's single typed event stream,
// spec.md §4.6: "page-load, upscale-complete, preload-progress, error".
type EventKind int

const (
	EventPageLoad EventKind = iota
	EventUpscaleComplete
	EventPreloadProgress
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPageLoad:
		return "page-load"
	case EventUpscaleComplete:
		return "upscale-complete"
	case EventPreloadProgress:
		return "preload-progress"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the single event shape delivered to every listener; fields
// irrelevant to Kind are left zero.
type Event struct {
	Kind      EventKind
	PageIndex int
	FromCache bool
	Bytes     []byte
	Handle    cachemgr.ResourceHandle
	Hash      string
	Loaded    int
	Total     int
	Source    string // e.g. "loader", "sr", for EventError
	Err       error
}

// Listener receives pipeline events synchronously; a panicking
// listener is caught and logged, per spec.md §7's propagation policy.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// AddEventListener registers fn and returns an unsubscribe function.
func (c *Controller) AddEventListener(fn Listener) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	listeners := append([]listenerEntry(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		c.safeNotify(l.fn, ev)
	}
}

func (c *Controller) safeNotify(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pipeline: event listener panicked",
				zap.Any("recovered", r),
				zap.String("event_kind", ev.Kind.String()),
			)
		}
	}()
	fn(ev)
}
