// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport adapts a Matrix client connection into the narrow
// surface the linker needs: room creation, message sending and a shared
// room event feed with per-room subscriptions.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client is the transport surface consumed by the linker. Tests substitute
// a fake backed by a real Feed.
type Client interface {
	UserID() id.UserID
	CreateRoom(ctx context.Context, name string, invite id.UserID) (id.RoomID, error)
	SendText(ctx context.Context, roomID id.RoomID, body string) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	Feed() *Feed
}

// matrixAPI is the subset of *mautrix.Client used by Matrix.
type matrixAPI interface {
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error)
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID, optionalReq ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error)
	SyncWithContext(ctx context.Context) error
}

// Matrix is the production transport over a mautrix client.
type Matrix struct {
	api    matrixAPI
	userID id.UserID
	feed   *Feed
	log    zerolog.Logger
}

var _ Client = (*Matrix)(nil)

// NewMatrix creates a client for the given homeserver and access token and
// registers the sync handlers that feed room events.
func NewMatrix(homeserverURL string, userID id.UserID, accessToken string, log zerolog.Logger) (*Matrix, error) {
	cli, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.Log = log.With().Str("component", "mautrix").Logger()

	m := &Matrix{
		api:    cli,
		userID: userID,
		feed:   NewFeed(log.With().Str("component", "feed").Logger()),
		log:    log.With().Str("component", "matrix").Logger(),
	}
	syncer, ok := cli.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, errors.New("matrix client syncer does not support event handlers")
	}
	syncer.OnEventType(event.EventMessage, m.handleMessage)
	syncer.OnEventType(event.StateMember, m.handleMember)
	return m, nil
}

func (m *Matrix) UserID() id.UserID { return m.userID }

func (m *Matrix) Feed() *Feed { return m.feed }

// CreateRoom creates a private room and invites one user.
func (m *Matrix) CreateRoom(ctx context.Context, name string, invite id.UserID) (id.RoomID, error) {
	resp, err := m.api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "private_chat",
		Name:     name,
		Invite:   []id.UserID{invite},
		IsDirect: true,
	})
	if err != nil {
		return "", err
	}
	m.log.Debug().
		Str("room_id", string(resp.RoomID)).
		Str("invite", string(invite)).
		Msg("Created room")
	return resp.RoomID, nil
}

// SendText sends a plain m.text message.
func (m *Matrix) SendText(ctx context.Context, roomID id.RoomID, body string) error {
	_, err := m.api.SendText(ctx, roomID, body)
	return err
}

// LeaveRoom leaves a room and drops its recorded memberships.
func (m *Matrix) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	defer m.feed.Forget(roomID)
	_, err := m.api.LeaveRoom(ctx, roomID)
	return err
}

// Run syncs until ctx is done.
func (m *Matrix) Run(ctx context.Context) error {
	m.log.Info().Str("user_id", string(m.userID)).Msg("Starting Matrix sync")
	err := m.api.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("matrix sync stopped: %w", err)
	}
	m.log.Info().Msg("Matrix sync stopped")
	return nil
}

func (m *Matrix) handleMessage(_ context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	m.feed.Dispatch(RoomEvent{
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		EventType: evt.Type.Type,
		Body:      content.Body,
	})
}

func (m *Matrix) handleMember(_ context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	m.feed.Dispatch(MembershipEvent{
		RoomID:     evt.RoomID,
		MemberID:   id.UserID(*evt.StateKey),
		Membership: evt.Content.AsMember().Membership,
	})
}
