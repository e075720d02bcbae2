// Copyright 2024-2026 Aiku AI

package linker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/store"
	"github.com/aiku/bridgelink/pkg/transport"
)

const testDomain = "example.com"

var (
	whatsappBot = id.UserID("@whatsappbot:example.com")
	telegramBot = id.UserID("@telegrambot:example.com")
)

// fakeClient is an in-memory transport.Client. Room events are injected
// through its real Feed.
type fakeClient struct {
	feed *transport.Feed

	mu      sync.Mutex
	next    int
	created []id.RoomID
	names   map[id.RoomID]string
	sent    map[id.RoomID][]string
	left    []id.RoomID

	CreateErr error
	SendErr   error
	// BotJoins makes the invited bot join as soon as the room exists.
	BotJoins bool
	// OnCommand runs in its own goroutine after each successful send.
	OnCommand func(roomID id.RoomID, name, body string)
}

var _ transport.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		feed:     transport.NewFeed(zerolog.Nop()),
		names:    make(map[id.RoomID]string),
		sent:     make(map[id.RoomID][]string),
		BotJoins: true,
	}
}

func (c *fakeClient) UserID() id.UserID { return "@linker:example.com" }
func (c *fakeClient) Feed() *transport.Feed { return c.feed }

func (c *fakeClient) CreateRoom(_ context.Context, name string, invite id.UserID) (id.RoomID, error) {
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	c.mu.Lock()
	c.next++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", c.next))
	c.created = append(c.created, roomID)
	c.names[roomID] = name
	c.mu.Unlock()
	if c.BotJoins {
		c.feed.Dispatch(joinEvent(roomID, invite))
	}
	return roomID, nil
}

func (c *fakeClient) SendText(_ context.Context, roomID id.RoomID, body string) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.sent[roomID] = append(c.sent[roomID], body)
	name := c.names[roomID]
	c.mu.Unlock()
	if c.OnCommand != nil {
		go c.OnCommand(roomID, name, body)
	}
	return nil
}

func (c *fakeClient) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	c.mu.Lock()
	c.left = append(c.left, roomID)
	c.mu.Unlock()
	c.feed.Forget(roomID)
	return nil
}

func (c *fakeClient) Created() []id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]id.RoomID(nil), c.created...)
}

func (c *fakeClient) Left() []id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]id.RoomID(nil), c.left...)
}

func (c *fakeClient) Sent(roomID id.RoomID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[roomID]...)
}

// say injects a message from sender into roomID.
func (c *fakeClient) say(roomID id.RoomID, sender id.UserID, body string) {
	c.feed.Dispatch(transport.RoomEvent{
		RoomID:    roomID,
		Sender:    sender,
		EventType: event.EventMessage.Type,
		Body:      body,
	})
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingPublisher) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// States returns the states of all state_changed events for userID in order.
func (r *recordingPublisher) States(userID string) []string {
	var states []string
	for _, evt := range r.Events() {
		if evt.Type == events.TypeStateChanged && evt.UserID == userID {
			states = append(states, evt.State)
		}
	}
	return states
}

func (r *recordingPublisher) Count(typ string) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// flakyStore wraps a Memory store and fails selected writes.
type flakyStore struct {
	*store.Memory
	FailState   bool
	FailAccount bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) UpsertBridgeState(ctx context.Context, rec *store.BridgeStateRecord) error {
	if f.FailState {
		return errDiskFull
	}
	return f.Memory.UpsertBridgeState(ctx, rec)
}

func (f *flakyStore) UpsertAccount(ctx context.Context, rec *store.AccountRecord) error {
	if f.FailAccount {
		return errDiskFull
	}
	return f.Memory.UpsertAccount(ctx, rec)
}

func intPtr(i int) *int { return &i }

// testRegistry returns the default platforms with short timeouts.
func testRegistry(t *testing.T, connectTimeout time.Duration, maxRetries int) *platform.Registry {
	t.Helper()
	overrides := make(map[platform.Name]platform.Config)
	for name := range platform.Defaults() {
		overrides[name] = platform.Config{
			ConnectTimeout: connectTimeout,
			BotJoinTimeout: 100 * time.Millisecond,
			MaxRetries:     intPtr(maxRetries),
		}
	}
	reg, err := platform.NewRegistry(testDomain, overrides)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

type harness struct {
	client *fakeClient
	store  store.Store
	pub    *recordingPublisher
	orch   *Orchestrator
}

func newHarness(t *testing.T, reg *platform.Registry, st store.Store) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	h := &harness{
		client: newFakeClient(),
		store:  st,
		pub:    &recordingPublisher{},
	}
	h.orch = New(reg, h.client, st, h.pub, zerolog.Nop())
	t.Cleanup(h.orch.Close)
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinEvent(roomID id.RoomID, userID id.UserID) transport.MembershipEvent {
	return transport.MembershipEvent{RoomID: roomID, MemberID: userID, Membership: event.MembershipJoin}
}
