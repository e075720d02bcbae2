// Copyright 2024-2026 Aiku AI

// Package store persists linked accounts and the bridge connection audit
// trail. Both record kinds are upserted by (user ID, platform).
package store

import (
	"context"
	"errors"
	"time"
)

// Bridge connection states as recorded in BridgeStateRecord.
const (
	StateInitializing = "INITIALIZING"
	StateWaitingForQR = "WAITING_FOR_QR"
	StateDisconnected = "DISCONNECTED"
	StateConnected    = "CONNECTED"
	StateError        = "ERROR"
)

// AccountStatusActive is the status written for a linked account.
const AccountStatusActive = "active"

// CredentialRoomID is the credentials key holding the control room ID.
const CredentialRoomID = "room_id"

// AccountRecord is a linked external account.
type AccountRecord struct {
	UserID      string            `json:"user_id"`
	Platform    string            `json:"platform"`
	Status      string            `json:"status"`
	Credentials map[string]string `json:"credentials"`
	ConnectedAt time.Time         `json:"connected_at"`
}

// BridgeStateRecord is the latest recorded connection state for a user and
// platform.
type BridgeStateRecord struct {
	UserID    string    `json:"user_id"`
	Platform  string    `json:"platform"`
	State     string    `json:"state"`
	Error     *string   `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence surface. Getters return (nil, nil) when no row
// exists.
type Store interface {
	UpsertBridgeState(ctx context.Context, rec *BridgeStateRecord) error
	GetBridgeState(ctx context.Context, userID, platform string) (*BridgeStateRecord, error)
	UpsertAccount(ctx context.Context, rec *AccountRecord) error
	GetAccount(ctx context.Context, userID, platform string) (*AccountRecord, error)
	ListAccounts(ctx context.Context, userID string) ([]*AccountRecord, error)
}

var errMissingKey = errors.New("user_id and platform are required")

func validateKey(userID, platform string) error {
	if userID == "" || platform == "" {
		return errMissingKey
	}
	return nil
}

func cloneCredentials(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
