// Copyright 2024-2026 Aiku AI

package linker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/transport"
)

type signalKind int

const (
	signalQR signalKind = iota
	signalConnected
	signalRejected
)

// signal is a classified bot reply, tagged with the attempt that produced it
// so replies from an abandoned attempt can be told apart.
type signal struct {
	attempt int
	kind    signalKind
	payload string
}

// Interpreter turns bot messages in one control room into signals.
type Interpreter struct {
	roomID  id.RoomID
	bridge  *platform.Bridge
	attempt int
	out     chan<- signal
	log     zerolog.Logger

	sub      *transport.Subscription
	done     chan struct{}
	finished atomic.Bool
	once     sync.Once
}

// StartInterpreter subscribes to roomID on feed and forwards classified
// replies from the bridge bot to out until disposed or a terminal reply is
// seen. The feed is never blocked: QR frames that find out full are dropped,
// and the terminal signal is handed off to a goroutine if it cannot be
// queued at once.
func StartInterpreter(feed *transport.Feed, roomID id.RoomID, bridge *platform.Bridge, attempt int, out chan<- signal, log zerolog.Logger) *Interpreter {
	in := &Interpreter{
		roomID:  roomID,
		bridge:  bridge,
		attempt: attempt,
		out:     out,
		log:     log,
		done:    make(chan struct{}),
	}
	in.sub = feed.Subscribe(roomID, in.handle)
	return in
}

func (in *Interpreter) handle(evt transport.Event) {
	msg, ok := evt.(transport.RoomEvent)
	if !ok || msg.RoomID != in.roomID || !msg.IsMessage() || msg.Sender != in.bridge.BotID {
		return
	}
	if in.finished.Load() {
		return
	}
	reply := in.bridge.Classify(msg.Body)
	var sig signal
	switch reply.Kind {
	case platform.ReplyQR:
		sig = signal{kind: signalQR, payload: reply.Payload}
	case platform.ReplySuccess:
		sig = signal{kind: signalConnected}
	case platform.ReplyFailure:
		sig = signal{kind: signalRejected, payload: reply.Payload}
	default:
		return
	}
	if sig.kind != signalQR && !in.finished.CompareAndSwap(false, true) {
		return
	}
	sig.attempt = in.attempt
	select {
	case in.out <- sig:
		return
	case <-in.done:
		return
	default:
	}
	if sig.kind == signalQR {
		in.log.Warn().
			Str("room_id", in.roomID.String()).
			Int("attempt", in.attempt).
			Msg("Signal queue full, dropping QR frame")
		return
	}
	go func() {
		select {
		case in.out <- sig:
		case <-in.done:
		}
	}()
}

// Dispose stops the interpreter. It is idempotent and must not be called
// from a feed handler.
func (in *Interpreter) Dispose() {
	in.once.Do(func() {
		close(in.done)
		in.sub.Dispose()
	})
}
