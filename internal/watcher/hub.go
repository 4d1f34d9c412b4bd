// Package watcher tails auth logs on watched servers in real time,
// persists what arrives, and fans events out to subscribers. A broken
// connection reconnects with jittered backoff; a slow subscriber loses
// its oldest undelivered events rather than stalling the tail.
package watcher

import (
	"sync"

	"github.com/jsherman999/keyspider/internal/store"
)

// subscriberBuffer is the per-subscriber channel capacity. When a
// consumer falls this far behind, its oldest event is dropped to make
// room for the newest.
const subscriberBuffer = 128

// Event is one live observation fanned out to subscribers. Exactly one
// of Access and Sudo is set.
type Event struct {
	SessionID string             `json:"session_id"`
	ServerID  int64              `json:"server_id"`
	Hostname  string             `json:"hostname"`
	Access    *store.AccessEvent `json:"access,omitempty"`
	Sudo      *store.SudoEvent   `json:"sudo,omitempty"`
}

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The cancel func unregisters it and
// closes the channel; after Close the channel is already closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers to every subscriber, dropping each one's oldest
// buffered event when its channel is full.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every subscriber channel. The closed channel is the
// stop sentinel consumers range over.
func (h *Hub) Close() {
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
