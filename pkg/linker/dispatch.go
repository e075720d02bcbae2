// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/transport"
)

// Dispatcher sends rendered login commands into control rooms.
type Dispatcher struct {
	client transport.Client
	log    zerolog.Logger
}

// NewDispatcher creates a Dispatcher over client.
func NewDispatcher(client transport.Client, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, log: log}
}

// SendLoginCommand renders the bridge's login command with credentials and
// sends it to roomID as a plain text message.
func (d *Dispatcher) SendLoginCommand(ctx context.Context, roomID id.RoomID, bridge *platform.Bridge, credentials map[string]string) error {
	cmd, err := bridge.RenderLoginCommand(credentials)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandSend, err)
	}
	if err := d.client.SendText(ctx, roomID, cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandSend, err)
	}
	// The command may carry secrets, so only the template is logged.
	d.log.Debug().
		Str("room_id", roomID.String()).
		Str("command", bridge.CommandTemplate()).
		Msg("Sent login command")
	return nil
}
