// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the bridgelink admin HTTP API: starting connects,
// inspecting sessions, recorded states and linked accounts, and streaming
// bridge events over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/linker"
	"github.com/aiku/bridgelink/pkg/store"
)

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

const shutdownTimeout = 5 * time.Second

// Server is the admin API.
type Server struct {
	linker *linker.Orchestrator
	store  store.Store
	hub    *events.Hub

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	closing   chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

// New creates a Server. hub may be nil, in which case the events endpoint
// is not registered.
func New(orch *linker.Orchestrator, st store.Store, hub *events.Hub, log zerolog.Logger) *Server {
	s := &Server{
		linker: orch,
		store:  st,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux:     http.NewServeMux(),
		closing: make(chan struct{}),
		log:     log.With().Str("component", "admin_api").Logger(),
	}
	s.mux.HandleFunc("/api/connect", s.HandleConnect)
	s.mux.HandleFunc("/api/sessions", s.HandleSessions)
	s.mux.HandleFunc("/api/state", s.HandleState)
	s.mux.HandleFunc("/api/accounts", s.HandleAccounts)
	s.mux.HandleFunc("/api/platforms", s.HandlePlatforms)
	if hub != nil {
		s.mux.HandleFunc("/api/events", s.HandleEvents)
	}
	return s
}

// Handler returns the API's request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting admin API")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	s.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("Admin API did not shut down cleanly")
	}
	return nil
}

func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeLinkError writes err with the status matching its failure kind.
func (s *Server) writeLinkError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: linker.Kind(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, linker.ErrUnknownPlatform), errors.Is(err, linker.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, linker.ErrConnectionRejected), errors.Is(err, linker.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, linker.ErrResponseTimeout), errors.Is(err, linker.ErrBotJoinTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, linker.ErrRoomCreation), errors.Is(err, linker.ErrCommandSend):
		return http.StatusBadGateway
	case errors.Is(err, linker.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
