package events

import "sync"

// Listener is notified after every durable queue mutation. It receives no
// payload; observers re-read state through the coordinator's Snapshot and
// PendingCount.
type Listener func()

type subscription struct {
	token    uint64
	listener Listener
}

// Hub is an in-process publish/subscribe registry. Listeners fire
// synchronously, in subscription order. The registry does not support
// mutating the subscriber set from inside an in-progress notification cycle:
// an unsubscribe issued during Notify takes effect from the next cycle.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs []subscription
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (h *Hub) Subscribe(l Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	token := h.next
	h.subs = append(h.subs, subscription{token: token, listener: l})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.token == token {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Notify fires every subscribed listener in subscription order. The
// subscriber set is snapshotted before firing, so listeners added or removed
// during the cycle do not affect it.
func (h *Hub) Notify() {
	h.mu.Lock()
	subs := append([]subscription(nil), h.subs...)
	h.mu.Unlock()

	for _, s := range subs {
		s.listener()
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
