// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/store"
	"github.com/aiku/bridgelink/pkg/transport"
)

const (
	leaveTimeout  = 10 * time.Second
	recordTimeout = 5 * time.Second
)

// Request asks for a user's account on a platform to be linked.
type Request struct {
	UserID      string            `json:"user_id"`
	Platform    platform.Name     `json:"platform"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Orchestrator runs connect sessions. It keeps at most one live session per
// user and platform; a new request for the same pair supersedes the old one.
type Orchestrator struct {
	registry    *platform.Registry
	client      transport.Client
	provisioner *Provisioner
	dispatcher  *Dispatcher
	states      *StateStore

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
	wg       sync.WaitGroup

	log zerolog.Logger
}

// New creates an Orchestrator. Sessions run until they resolve or Close is
// called, independently of the context of the request that started them.
func New(registry *platform.Registry, client transport.Client, st store.Store, publisher events.Publisher, log zerolog.Logger) *Orchestrator {
	log = log.With().Str("component", "linker").Logger()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		registry:    registry,
		client:      client,
		provisioner: NewProvisioner(client, log),
		dispatcher:  NewDispatcher(client, log),
		states:      NewStateStore(st, publisher, log),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[Key]*Session),
		log:         log,
	}
}

// Start validates req and launches a session for it without waiting. Any
// live session for the same user and platform is cancelled and torn down
// before the new one records its first state.
func (o *Orchestrator) Start(req Request) (*Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	bridge, err := o.registry.Get(req.Platform)
	if err != nil {
		return nil, err
	}
	for _, key := range bridge.RequiredCredentials {
		if req.Credentials[key] == "" {
			return nil, fmt.Errorf("%w: missing credential %q for %s", ErrInvalidRequest, key, bridge.Name)
		}
	}

	key := Key{UserID: req.UserID, Platform: bridge.Name}
	s := newSession(o.ctx, key, bridge, req.Credentials, o.log)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.cancel(ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	prev := o.sessions[key]
	o.sessions[key] = s
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if prev != nil {
			s.log.Info().Msg("Superseding live session")
			prev.cancel(ErrSuperseded)
			<-prev.done
		}
		o.run(s)
	}()
	return s, nil
}

// Connect starts a session and waits for its outcome. ctx bounds only the
// wait: when it expires the session keeps running and ctx.Err() is returned.
func (o *Orchestrator) Connect(ctx context.Context, req Request) (*store.AccountRecord, error) {
	s, err := o.Start(req)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx)
}

// Session returns the live session for a user and platform.
func (o *Orchestrator) Session(userID string, name platform.Name) (*Session, bool) {
	bridge, err := o.registry.Get(name)
	if err != nil {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[Key{UserID: userID, Platform: bridge.Name}]
	return s, ok
}

// Live returns snapshots of all live sessions ordered by user and platform.
func (o *Orchestrator) Live() []Info {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UserID != infos[j].UserID {
			return infos[i].UserID < infos[j].UserID
		}
		return infos[i].Platform < infos[j].Platform
	})
	return infos
}

// Registry returns the platform registry sessions are started against.
func (o *Orchestrator) Registry() *platform.Registry {
	return o.registry
}

// Close cancels every live session and waits for them to finish. Start
// fails with ErrShuttingDown afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel(ErrShuttingDown)
	o.wg.Wait()
}

func (o *Orchestrator) run(s *Session) {
	defer close(s.done)
	defer o.retire(s)

	if s.ctx.Err() != nil {
		s.err = context.Cause(s.ctx)
		return
	}
	s.log.Info().Msg("Starting bridge connection")
	s.result, s.err = o.connect(s)
	if s.err != nil {
		s.log.Warn().Err(s.err).Str("kind", Kind(s.err)).Msg("Bridge connection failed")
	} else {
		s.log.Info().Str("room_id", s.RoomID().String()).Msg("Bridge connected")
	}
}

func (o *Orchestrator) retire(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions[s.Key] == s {
		delete(o.sessions, s.Key)
	}
	s.cancel(nil)
}

// connect runs attempts until one resolves. Only response timeouts are
// retried, at most MaxRetries times, with DISCONNECTED recorded in between.
func (o *Orchestrator) connect(s *Session) (*store.AccountRecord, error) {
	for {
		acc, err := o.attempt(s)
		if err == nil {
			return acc, nil
		}
		if s.ctx.Err() != nil {
			return nil, o.fail(s, err)
		}
		if Retryable(err) {
			if s.RetryCount() < s.bridge.MaxRetries {
				n := s.incrementRetry()
				s.log.Info().Err(err).Int("retry", n).Int("max_retries", s.bridge.MaxRetries).Msg("Retrying bridge connection")
				if terr := o.states.Transition(s.ctx, s, store.StateDisconnected, err); terr != nil {
					return nil, o.fail(s, terr)
				}
				continue
			}
			err = fmt.Errorf("max retries exceeded (%d): %w", s.bridge.MaxRetries, err)
		}
		return nil, o.fail(s, err)
	}
}

// fail records ERROR for s and returns err. A cancelled session records its
// cancellation cause instead, written under a detached context.
func (o *Orchestrator) fail(s *Session, err error) error {
	ctx := s.ctx
	if ctx.Err() != nil {
		if s.State() != store.StateConnected {
			err = context.Cause(ctx)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
	}
	if errors.Is(err, ErrInvalidTransition) || s.State() == "" {
		return err
	}
	if terr := o.states.Transition(ctx, s, store.StateError, err); terr != nil {
		s.log.Error().Err(terr).Msg("Failed to record error state")
	}
	return err
}

// attempt runs one provision, dispatch and interpret cycle.
func (o *Orchestrator) attempt(s *Session) (*store.AccountRecord, error) {
	ctx := s.ctx
	attempt := s.RetryCount()
	if err := o.states.Transition(ctx, s, store.StateInitializing, nil); err != nil {
		return nil, err
	}

	roomID, err := o.provisioner.Provision(ctx, s.bridge, s.controlRoomName())
	if roomID != "" {
		s.setRoom(roomID)
	}
	if err != nil {
		o.abandon(s, roomID)
		return nil, err
	}
	s.log.Debug().
		Int("attempt", attempt).
		Str("room_id", roomID.String()).
		Msg("Control room ready, sending login command")

	interp := StartInterpreter(o.client.Feed(), roomID, s.bridge, attempt, s.signals, s.log)
	defer interp.Dispose()

	timer := time.NewTimer(s.bridge.ConnectTimeout)
	defer timer.Stop()

	if err := o.dispatcher.SendLoginCommand(ctx, roomID, s.bridge, s.credentials); err != nil {
		interp.Dispose()
		o.abandon(s, roomID)
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			interp.Dispose()
			o.abandon(s, roomID)
			return nil, context.Cause(ctx)
		case <-timer.C:
			interp.Dispose()
			o.abandon(s, roomID)
			return nil, fmt.Errorf("%w: %s sent no result within %s", ErrResponseTimeout, s.bridge.BotID, s.bridge.ConnectTimeout)
		case sig := <-s.signals:
			if sig.attempt != attempt {
				s.log.Debug().Int("attempt", sig.attempt).Msg("Dropping signal from earlier attempt")
				continue
			}
			switch sig.kind {
			case signalQR:
				if err := o.states.Transition(ctx, s, store.StateWaitingForQR, nil); err != nil {
					interp.Dispose()
					o.abandon(s, roomID)
					return nil, err
				}
				o.states.PublishQR(s, sig.payload)
			case signalConnected:
				interp.Dispose()
				timer.Stop()
				if err := o.states.Transition(ctx, s, store.StateConnected, nil); err != nil {
					return nil, err
				}
				return o.states.PersistAccount(ctx, s)
			case signalRejected:
				interp.Dispose()
				o.abandon(s, roomID)
				return nil, fmt.Errorf("%w: %s", ErrConnectionRejected, sig.payload)
			}
		}
	}
}

// abandon leaves a control room that will not be used again. Errors are
// logged and otherwise ignored.
func (o *Orchestrator) abandon(s *Session, roomID id.RoomID) {
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := o.client.LeaveRoom(ctx, roomID); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to leave control room")
	}
}
