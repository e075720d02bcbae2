// Copyright 2024-2026 Aiku AI

package linker

import (
	"errors"

	"github.com/aiku/bridgelink/pkg/platform"
)

// Failure kinds. Every error returned by a connect carries exactly one of
// these and can be matched with errors.Is.
var (
	ErrRoomCreation       = errors.New("room creation failed")
	ErrBotJoinTimeout     = errors.New("bridge bot did not join")
	ErrCommandSend        = errors.New("login command send failed")
	ErrResponseTimeout    = errors.New("no response from bridge bot")
	ErrConnectionRejected = errors.New("bridge bot rejected login")
	ErrPersistence        = errors.New("persistence failure")

	ErrInvalidRequest    = errors.New("invalid connect request")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSuperseded        = errors.New("superseded by a newer connect request")
	ErrShuttingDown      = errors.New("linker is shutting down")
	ErrUnknownPlatform   = platform.ErrUnknownPlatform
)

// Retryable reports whether err may be retried with a fresh attempt. Only
// response timeouts are.
func Retryable(err error) bool {
	return errors.Is(err, ErrResponseTimeout)
}

// Kind returns a short machine-readable name for the failure kind of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomCreation):
		return "room_creation_failure"
	case errors.Is(err, ErrBotJoinTimeout):
		return "bot_join_timeout"
	case errors.Is(err, ErrCommandSend):
		return "command_send_failure"
	case errors.Is(err, ErrResponseTimeout):
		return "response_timeout"
	case errors.Is(err, ErrConnectionRejected):
		return "connection_rejected"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnknownPlatform):
		return "unknown_platform"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "unknown"
	}
}
