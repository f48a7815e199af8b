package engine

import (
	"sync"
	"time"
)

// UpdateKind says which part of a valve's read model changed.
type UpdateKind string

const (
	UpdateTelemetry UpdateKind = "telemetry"
	UpdateSession   UpdateKind = "session"
	UpdateTotals    UpdateKind = "totals"
	UpdateWindows   UpdateKind = "windows"
	// UpdateRegistry is sent when a valve is registered or deregistered.
	UpdateRegistry UpdateKind = "registry"
)

// Update notifies subscribers that a valve's view changed.
type Update struct {
	ValveID string
	Kind    UpdateKind
	At      time.Time
}

const subscriberBuffer = 64

// hub fans updates out to subscribers. A subscriber that falls behind
// misses updates rather than stalling the loop; the next one it receives
// still points it at the current view.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Update)}
}

func (h *hub) subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Update, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) notify(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// close ends every subscription.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
