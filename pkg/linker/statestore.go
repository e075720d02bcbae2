// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/store"
)

// allowedTransitions lists the states reachable from each state. The empty
// state is a session that has not recorded anything yet.
var allowedTransitions = map[string][]string{
	"":                      {store.StateInitializing},
	store.StateInitializing: {store.StateWaitingForQR, store.StateConnected, store.StateError, store.StateDisconnected},
	store.StateWaitingForQR: {store.StateWaitingForQR, store.StateConnected, store.StateError, store.StateDisconnected},
	store.StateDisconnected: {store.StateInitializing, store.StateError},
	store.StateConnected:    {store.StateError},
	store.StateError:        nil,
}

func canTransition(from, to string, cause error) bool {
	// CONNECTED is terminal unless the account itself could not be saved.
	if from == store.StateConnected && !errors.Is(cause, ErrPersistence) {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateStore records session state transitions, publishes the matching
// events and writes the linked account on success.
type StateStore struct {
	store     store.Store
	publisher events.Publisher
	now       func() time.Time
	log       zerolog.Logger
}

// NewStateStore creates a StateStore.
func NewStateStore(st store.Store, publisher events.Publisher, log zerolog.Logger) *StateStore {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &StateStore{
		store:     st,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// Transition moves s to state. The state record is written before the
// in-memory state changes and before the event is published; a failed write
// leaves s unchanged. cause is the error detail for ERROR and DISCONNECTED.
func (ss *StateStore) Transition(ctx context.Context, s *Session, state string, cause error) error {
	from := s.State()
	if !canTransition(from, state, cause) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, describeState(from), state)
	}
	var detail *string
	if cause != nil {
		msg := cause.Error()
		detail = &msg
	}
	now := ss.now()
	rec := &store.BridgeStateRecord{
		UserID:    s.UserID,
		Platform:  string(s.Platform),
		State:     state,
		Error:     detail,
		UpdatedAt: now,
	}
	if err := ss.store.UpsertBridgeState(ctx, rec); err != nil {
		return fmt.Errorf("%w: failed to record %s state: %v", ErrPersistence, state, err)
	}
	lastError := ""
	if detail != nil {
		lastError = *detail
	}
	s.setState(state, lastError, now)
	s.log.Debug().Str("from", describeState(from)).Str("to", state).Msg("Bridge state changed")
	ss.publisher.Publish(events.Event{
		Type:      events.TypeStateChanged,
		UserID:    s.UserID,
		Platform:  string(s.Platform),
		State:     state,
		Error:     detail,
		Timestamp: now,
	})
	return nil
}

// PublishQR announces a QR payload for s.
func (ss *StateStore) PublishQR(s *Session, payload string) {
	ss.publisher.Publish(events.Event{
		Type:      events.TypeQRReceived,
		UserID:    s.UserID,
		Platform:  string(s.Platform),
		QRPayload: payload,
		Timestamp: ss.now(),
	})
}

// PersistAccount writes the linked account for s. It refuses to run before
// CONNECTED has been recorded, and is not interrupted by cancellation of ctx.
func (ss *StateStore) PersistAccount(ctx context.Context, s *Session) (*store.AccountRecord, error) {
	if state := s.State(); state != store.StateConnected {
		return nil, fmt.Errorf("%w: account write in state %s", ErrInvalidTransition, describeState(state))
	}
	creds := make(map[string]string, len(s.credentials)+1)
	for k, v := range s.credentials {
		creds[k] = v
	}
	creds[store.CredentialRoomID] = s.RoomID().String()
	rec := &store.AccountRecord{
		UserID:      s.UserID,
		Platform:    string(s.Platform),
		Status:      store.AccountStatusActive,
		Credentials: creds,
		ConnectedAt: ss.now(),
	}
	// CONNECTED is already durable, so the account write outlives a
	// cancelled session.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := ss.store.UpsertAccount(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: failed to save account: %v", ErrPersistence, err)
	}
	return rec, nil
}

func describeState(state string) string {
	if state == "" {
		return "NEW"
	}
	return state
}
