// Copyright 2024-2026 Aiku AI

package events

import (
	"sync"
)

const hubBufferSize = 16

// Hub is an in-process publisher with per-user subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a subscriber for one user's events, or for every
// user when userID is empty. The returned cancel func closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, hubBufferSize)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(userID, ch) })
	}
}

func (h *Hub) remove(userID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[userID]; subs != nil {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subs, userID)
		}
	}
}

// Publish delivers evt to the event's user and to wildcard subscribers,
// dropping it for any subscriber whose buffer is full.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.subs[evt.UserID], evt)
	if evt.UserID != "" {
		h.deliver(h.subs[""], evt)
	}
}

func (h *Hub) deliver(subs map[chan Event]struct{}, evt Event) {
	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}
