package devserver

import (
	"sync"
)

// Hub fans encoded frames out to the stream clients of each subject.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
	closed  bool
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe registers a stream client of subject and returns its frame channel.
// After Close the returned channel is already closed.
func (h *Hub) Subscribe(subject string) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	set, ok := h.clients[subject]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.clients[subject] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(subject string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[subject]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.clients, subject)
	}
	close(ch)
}

// Publish sends a frame to every client of subject and returns how many got it.
// Slow clients are skipped (non-blocking send).
func (h *Hub) Publish(subject string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for ch := range h.clients[subject] {
		select {
		case ch <- frame:
			sent++
		default:
			sub("hub").Warn("slow stream client, frame dropped", "subject", subject)
		}
	}
	return sent
}

// Clients returns the number of stream clients of subject.
func (h *Hub) Clients(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subject])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for subject, set := range h.clients {
		for ch := range set {
			close(ch)
		}
		delete(h.clients, subject)
	}
}
