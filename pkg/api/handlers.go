// Copyright 2024-2026 Aiku AI

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aiku/bridgelink/pkg/linker"
	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/store"
)

// maxWait bounds how long POST /api/connect with wait=true holds the request.
const maxWait = 10 * time.Minute

type connectRequest struct {
	UserID      string            `json:"user_id"`
	Platform    platform.Name     `json:"platform"`
	Credentials map[string]string `json:"credentials"`
	Wait        bool              `json:"wait"`
}

type sessionResponse struct {
	Session linker.Info `json:"session"`
}

// accountView is an AccountRecord without platform secrets.
type accountView struct {
	UserID      string    `json:"user_id"`
	Platform    string    `json:"platform"`
	Status      string    `json:"status"`
	RoomID      string    `json:"room_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func viewAccount(acc *store.AccountRecord) accountView {
	return accountView{
		UserID:      acc.UserID,
		Platform:    acc.Platform,
		Status:      acc.Status,
		RoomID:      acc.Credentials[store.CredentialRoomID],
		ConnectedAt: acc.ConnectedAt,
	}
}

// HandleConnect is an HTTP handler for POST /api/connect. Without wait it
// returns 202 with the new session; with wait it blocks until the session
// resolves and returns the linked account or the failure.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req connectRequest
	if err = json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	log := s.log.With().
		Str("remote_addr", r.RemoteAddr).
		Str("user_id", req.UserID).
		Str("platform", string(req.Platform)).
		Logger()
	log.Info().Bool("wait", req.Wait).Msg("Connect requested")

	sess, err := s.linker.Start(linker.Request{
		UserID:      req.UserID,
		Platform:    req.Platform,
		Credentials: req.Credentials,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Rejected connect request")
		s.writeLinkError(w, err)
		return
	}
	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, sessionResponse{Session: sess.Info()})
		return
	}

	rc := http.NewResponseController(w)
	if err = rc.SetWriteDeadline(time.Now().Add(maxWait + time.Minute)); err != nil {
		log.Debug().Err(err).Msg("Failed to extend write deadline")
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxWait)
	defer cancel()
	acc, err := sess.Wait(ctx)
	if err != nil {
		s.writeLinkError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": viewAccount(acc)})
}

// HandleSessions is an HTTP handler for GET /api/sessions.
func (s *Server) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.linker.Live()})
}

// HandleState is an HTTP handler for GET /api/state?user_id=&platform=.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	bridge, err := s.linker.Registry().Get(platform.Name(r.URL.Query().Get("platform")))
	if err != nil {
		s.writeLinkError(w, err)
		return
	}
	rec, err := s.store.GetBridgeState(r.Context(), userID, string(bridge.Name))
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load bridge state")
		s.writeError(w, http.StatusInternalServerError, "failed to load bridge state")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "no recorded state")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// HandleAccounts is an HTTP handler for GET /api/accounts?user_id=.
func (s *Server) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	accounts, err := s.store.ListAccounts(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list accounts")
		s.writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	views := make([]accountView, len(accounts))
	for i, acc := range accounts {
		views[i] = viewAccount(acc)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

type platformView struct {
	Name                platform.Name `json:"name"`
	Bot                 string        `json:"bot"`
	LoginCommand        string        `json:"login_command"`
	ConnectTimeout      string        `json:"connect_timeout"`
	BotJoinTimeout      string        `json:"bot_join_timeout"`
	MaxRetries          int           `json:"max_retries"`
	RequiredCredentials []string      `json:"required_credentials,omitempty"`
}

// HandlePlatforms is an HTTP handler for GET /api/platforms.
func (s *Server) HandlePlatforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reg := s.linker.Registry()
	names := reg.Names()
	views := make([]platformView, 0, len(names))
	for _, name := range names {
		b, err := reg.Get(name)
		if err != nil {
			continue
		}
		views = append(views, platformView{
			Name:                b.Name,
			Bot:                 b.BotID.String(),
			LoginCommand:        b.CommandTemplate(),
			ConnectTimeout:      b.ConnectTimeout.String(),
			BotJoinTimeout:      b.BotJoinTimeout.String(),
			MaxRetries:          b.MaxRetries,
			RequiredCredentials: b.RequiredCredentials,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"platforms": views})
}
