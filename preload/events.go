package preload

import "go.uber.org/zap"

// EventKind identifies what a preload Event reports.
type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the preloader's single typed event stream, mirroring
// memcache's event shape: one struct, a Kind discriminant, the fields
// relevant to that kind left zero otherwise.
type Event struct {
	Kind   EventKind
	Loaded int
	Total  int
	Err    error
}

// Listener receives preload events synchronously.
type Listener func(Event)

// OnEvent registers fn and returns an unsubscribe function.
func (m *Manager) OnEvent(fn Listener) func() {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

type listenerEntry struct {
	id int
	fn Listener
}

// emit delivers ev to every registered listener, catching and logging
// a panicking listener so one bad subscriber cannot break a wave --
// the same catch-log contract memcache.Cache.emit uses.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		m.safeNotify(l.fn, ev)
	}
}

func (m *Manager) safeNotify(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("preload: event listener panicked",
				zap.Any("recovered", r),
				zap.String("event_kind", ev.Kind.String()),
			)
		}
	}()
	fn(ev)
}
