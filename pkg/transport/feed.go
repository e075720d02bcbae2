// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Event is anything delivered through the Feed.
type Event interface {
	Room() id.RoomID
}

// RoomEvent is a timeline event with a text body.
type RoomEvent struct {
	RoomID    id.RoomID
	Sender    id.UserID
	EventType string
	Body      string
}

func (e RoomEvent) Room() id.RoomID { return e.RoomID }

// IsMessage reports whether the event is an m.room.message.
func (e RoomEvent) IsMessage() bool {
	return e.EventType == event.EventMessage.Type
}

// MembershipEvent is an m.room.member state change.
type MembershipEvent struct {
	RoomID     id.RoomID
	MemberID   id.UserID
	Membership event.Membership
}

func (e MembershipEvent) Room() id.RoomID { return e.RoomID }

// Handler receives events for a subscribed room. Handlers run on the
// dispatching goroutine and must not block.
type Handler func(Event)

// Subscription is a registered room handler.
type Subscription struct {
	feed     *Feed
	roomID   id.RoomID
	handler  Handler
	disposed atomic.Bool
	once     sync.Once
}

// Dispose unregisters the handler. It is safe to call more than once and
// waits for any in-flight delivery to this subscription to return.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.disposed.Store(true)
		s.feed.remove(s)
	})
}

// Feed is the single shared event stream. Subscribers register per room and
// only receive events for that room.
type Feed struct {
	mu          sync.RWMutex
	subs        map[id.RoomID][]*Subscription
	memberships map[id.RoomID]map[id.UserID]event.Membership

	// deliverMu is held for reading while handlers run and for writing
	// by remove, so Dispose never returns mid-delivery.
	deliverMu sync.RWMutex

	log zerolog.Logger
}

// NewFeed creates an empty Feed.
func NewFeed(log zerolog.Logger) *Feed {
	return &Feed{
		subs:        make(map[id.RoomID][]*Subscription),
		memberships: make(map[id.RoomID]map[id.UserID]event.Membership),
		log:         log,
	}
}

// Subscribe registers handler for events in roomID.
func (f *Feed) Subscribe(roomID id.RoomID, handler Handler) *Subscription {
	sub := &Subscription{feed: f, roomID: roomID, handler: handler}
	f.mu.Lock()
	f.subs[roomID] = append(f.subs[roomID], sub)
	f.mu.Unlock()
	return sub
}

func (f *Feed) remove(sub *Subscription) {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[sub.roomID]
	for i, s := range subs {
		if s == sub {
			f.subs[sub.roomID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(f.subs[sub.roomID]) == 0 {
		delete(f.subs, sub.roomID)
	}
}

// Dispatch delivers evt to the subscribers of its room. Membership events
// are also recorded so late subscribers can query them.
func (f *Feed) Dispatch(evt Event) {
	roomID := evt.Room()

	f.mu.Lock()
	if mem, ok := evt.(MembershipEvent); ok {
		members := f.memberships[roomID]
		if members == nil {
			members = make(map[id.UserID]event.Membership)
			f.memberships[roomID] = members
		}
		members[mem.MemberID] = mem.Membership
	}
	subs := make([]*Subscription, len(f.subs[roomID]))
	copy(subs, f.subs[roomID])
	f.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	f.deliverMu.RLock()
	defer f.deliverMu.RUnlock()
	for _, sub := range subs {
		if sub.disposed.Load() {
			continue
		}
		f.safeCall(sub, evt)
	}
}

func (f *Feed) safeCall(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().
				Any("panic", r).
				Str("room_id", string(sub.roomID)).
				Msg("Room event handler panicked")
		}
	}()
	sub.handler(evt)
}

// Membership returns the last membership seen for userID in roomID.
func (f *Feed) Membership(roomID id.RoomID, userID id.UserID) (event.Membership, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.memberships[roomID][userID]
	return m, ok
}

// Forget drops recorded memberships for a room.
func (f *Feed) Forget(roomID id.RoomID) {
	f.mu.Lock()
	delete(f.memberships, roomID)
	f.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (f *Feed) SubscriptionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, subs := range f.subs {
		n += len(subs)
	}
	return n
}
