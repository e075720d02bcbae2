// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/store"
)

// Key identifies a session: at most one is live per key.
type Key struct {
	UserID   string
	Platform platform.Name
}

func (k Key) String() string {
	return k.UserID + "/" + string(k.Platform)
}

// Info is a point-in-time copy of a session's public fields.
type Info struct {
	UserID     string        `json:"user_id"`
	Platform   platform.Name `json:"platform"`
	RoomID     id.RoomID     `json:"room_id,omitempty"`
	State      string        `json:"state"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Session is one connect request for a user and platform. Its fields are
// written only by the session's own goroutine; other goroutines read them
// through Info.
type Session struct {
	Key

	mu         sync.Mutex
	roomID     id.RoomID
	state      string
	retryCount int
	lastError  string
	updatedAt  time.Time

	bridge      *platform.Bridge
	credentials map[string]string
	signals     chan signal

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *store.AccountRecord
	err    error

	log zerolog.Logger
}

func newSession(ctx context.Context, key Key, bridge *platform.Bridge, credentials map[string]string, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancelCause(ctx)
	creds := make(map[string]string, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}
	return &Session{
		Key:         key,
		bridge:      bridge,
		credentials: creds,
		signals:     make(chan signal, 8),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		log: log.With().
			Str("user_id", key.UserID).
			Str("platform", string(key.Platform)).
			Logger(),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		UserID:     s.UserID,
		Platform:   s.Platform,
		RoomID:     s.roomID,
		State:      s.state,
		RetryCount: s.retryCount,
		LastError:  s.lastError,
		UpdatedAt:  s.updatedAt,
	}
}

// State returns the last recorded state, or "" before the first transition.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the control room of the current attempt.
func (s *Session) RoomID() id.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// RetryCount returns how many timed-out attempts have been retried.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Session) setState(state, lastError string, at time.Time) {
	s.mu.Lock()
	s.state = state
	s.lastError = lastError
	s.updatedAt = at
	s.mu.Unlock()
}

func (s *Session) setRoom(roomID id.RoomID) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

func (s *Session) incrementRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

// Done is closed once the session has resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session resolves or ctx is done. Cancelling ctx only
// stops waiting; the session keeps running.
func (s *Session) Wait(ctx context.Context) (*store.AccountRecord, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) controlRoomName() string {
	return fmt.Sprintf("%s login (%s)", s.Platform, s.UserID)
}
