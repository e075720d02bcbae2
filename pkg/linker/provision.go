// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/transport"
)

// Provisioner creates a private control room with a bridge bot and waits for
// the bot to join it.
type Provisioner struct {
	client transport.Client
	log    zerolog.Logger
}

// NewProvisioner creates a Provisioner over client.
func NewProvisioner(client transport.Client, log zerolog.Logger) *Provisioner {
	return &Provisioner{client: client, log: log}
}

// Provision creates the room and blocks until the bot has joined, the
// bridge's join timeout fires, or ctx is done. On a join failure the room ID
// is still returned so the caller can leave it.
func (p *Provisioner) Provision(ctx context.Context, bridge *platform.Bridge, name string) (id.RoomID, error) {
	roomID, err := p.client.CreateRoom(ctx, name, bridge.BotID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRoomCreation, err)
	}
	log := p.log.With().
		Str("room_id", roomID.String()).
		Str("bot", bridge.BotID.String()).
		Logger()
	log.Debug().Msg("Created control room, waiting for bridge bot")

	feed := p.client.Feed()
	joined := make(chan struct{})
	var once sync.Once
	sub := feed.Subscribe(roomID, func(evt transport.Event) {
		mem, ok := evt.(transport.MembershipEvent)
		if ok && mem.MemberID == bridge.BotID && mem.Membership == event.MembershipJoin {
			once.Do(func() { close(joined) })
		}
	})
	defer sub.Dispose()

	// The join may have been synced before the subscription existed.
	if m, ok := feed.Membership(roomID, bridge.BotID); ok && m == event.MembershipJoin {
		log.Debug().Msg("Bridge bot already joined")
		return roomID, nil
	}

	timer := time.NewTimer(bridge.BotJoinTimeout)
	defer timer.Stop()
	select {
	case <-joined:
		log.Debug().Msg("Bridge bot joined control room")
		return roomID, nil
	case <-timer.C:
		return roomID, fmt.Errorf("%w: %s did not join %s within %s",
			ErrBotJoinTimeout, bridge.BotID, roomID, bridge.BotJoinTimeout)
	case <-ctx.Done():
		return roomID, context.Cause(ctx)
	}
}
