// Copyright 2024-2026 Aiku AI

// Package events publishes bridge connection events to external
// subscribers. Publishing never blocks the caller: slow consumers lose
// events instead of stalling a connection state machine.
package events

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	TypeStateChanged = "bridge.state_changed"
	TypeQRReceived   = "bridge.qr_received"
)

// Event is a published bridge event.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Platform  string    `json:"platform"`
	State     string    `json:"state,omitempty"`
	Error     *string   `json:"error,omitempty"`
	QRPayload string    `json:"qrPayload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON always includes error on state_changed events, as null when
// the state carries no error.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != TypeStateChanged {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Error *string `json:"error"`
	}{plain(e), e.Error})
}

// Publisher delivers events fire-and-forget.
type Publisher interface {
	Publish(evt Event)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(evt Event) {
	for _, p := range m {
		p.Publish(evt)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
