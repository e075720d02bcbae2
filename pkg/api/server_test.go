// Copyright 2024-2026 Aiku AI

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/linker"
	"github.com/aiku/bridgelink/pkg/platform"
	"github.com/aiku/bridgelink/pkg/store"
	"github.com/aiku/bridgelink/pkg/transport"
)

// fakeClient answers every login command with Reply, sent by the bot that
// was invited to the room.
type fakeClient struct {
	feed *transport.Feed

	mu    sync.Mutex
	next  int
	bots  map[id.RoomID]id.UserID
	Reply string
}

func newFakeClient(reply string) *fakeClient {
	return &fakeClient{
		feed:  transport.NewFeed(zerolog.Nop()),
		bots:  make(map[id.RoomID]id.UserID),
		Reply: reply,
	}
}

func (c *fakeClient) UserID() id.UserID { return "@linker:example.com" }
func (c *fakeClient) Feed() *transport.Feed { return c.feed }

func (c *fakeClient) CreateRoom(_ context.Context, _ string, invite id.UserID) (id.RoomID, error) {
	c.mu.Lock()
	c.next++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", c.next))
	c.bots[roomID] = invite
	c.mu.Unlock()
	c.feed.Dispatch(transport.MembershipEvent{RoomID: roomID, MemberID: invite, Membership: event.MembershipJoin})
	return roomID, nil
}

func (c *fakeClient) SendText(_ context.Context, roomID id.RoomID, _ string) error {
	c.mu.Lock()
	bot := c.bots[roomID]
	c.mu.Unlock()
	if c.Reply != "" {
		go c.feed.Dispatch(transport.RoomEvent{
			RoomID:    roomID,
			Sender:    bot,
			EventType: event.EventMessage.Type,
			Body:      c.Reply,
		})
	}
	return nil
}

func (c *fakeClient) LeaveRoom(context.Context, id.RoomID) error { return nil }

type testServer struct {
	*Server
	store store.Store
	hub   *events.Hub
}

func newTestServer(t *testing.T, reply string) *testServer {
	t.Helper()
	reg, err := platform.NewRegistry("example.com", map[platform.Name]platform.Config{
		platform.WhatsApp: {ConnectTimeout: 2 * time.Second},
		platform.Telegram: {ConnectTimeout: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	st := store.NewMemory()
	hub := events.NewHub()
	orch := linker.New(reg, newFakeClient(reply), st, hub, zerolog.Nop())
	t.Cleanup(orch.Close)
	return &testServer{
		Server: New(orch, st, hub, zerolog.Nop()),
		store:  st,
		hub:    hub,
	}
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHandleConnectAccepted(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodPost, "/api/connect", `{"user_id":"alice","platform":"whatsapp"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp sessionResponse
	decode(t, w, &resp)
	if resp.Session.UserID != "alice" || resp.Session.Platform != platform.WhatsApp {
		t.Errorf("session: got %+v", resp.Session)
	}
}

func TestHandleConnectWait(t *testing.T) {
	ts := newTestServer(t, "Successfully logged in")
	w := ts.do(http.MethodPost, "/api/connect",
		`{"user_id":"alice","platform":"discord","credentials":{"bot_token":"sekrit"},"wait":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sekrit") {
		t.Error("response must not echo platform secrets")
	}
	var resp struct {
		Account accountView `json:"account"`
	}
	decode(t, w, &resp)
	if resp.Account.Status != store.AccountStatusActive || resp.Account.RoomID == "" {
		t.Errorf("account: got %+v", resp.Account)
	}

	w = ts.do(http.MethodGet, "/api/state?user_id=alice&platform=Discord", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status: got %d (%s)", w.Code, w.Body.String())
	}
	var rec store.BridgeStateRecord
	decode(t, w, &rec)
	if rec.State != store.StateConnected {
		t.Errorf("state: got %q, want CONNECTED", rec.State)
	}

	w = ts.do(http.MethodGet, "/api/accounts?user_id=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("accounts status: got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "sekrit") {
		t.Error("accounts must not expose platform secrets")
	}
	var accounts struct {
		Accounts []accountView `json:"accounts"`
	}
	decode(t, w, &accounts)
	if len(accounts.Accounts) != 1 || accounts.Accounts[0].Platform != "discord" {
		t.Errorf("accounts: got %+v", accounts.Accounts)
	}
}

func TestHandleConnectErrors(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		method   string
		body     string
		wantCode int
		wantKind string
	}{
		{"method", "", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
		{"invalid json", "", http.MethodPost, "{", http.StatusBadRequest, ""},
		{"unknown platform", "", http.MethodPost, `{"user_id":"a","platform":"icq"}`, http.StatusBadRequest, "unknown_platform"},
		{"missing credential", "", http.MethodPost, `{"user_id":"a","platform":"slack"}`, http.StatusBadRequest, "invalid_request"},
		{"rejected", "Login failed: bad code", http.MethodPost, `{"user_id":"a","platform":"telegram","wait":true}`, http.StatusConflict, "connection_rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, tt.reply)
			w := ts.do(tt.method, "/api/connect", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantKind == "" {
				return
			}
			var resp errorResponse
			decode(t, w, &resp)
			if resp.Kind != tt.wantKind {
				t.Errorf("kind: got %q, want %q", resp.Kind, tt.wantKind)
			}
		})
	}
}

func TestHandleState(t *testing.T) {
	ts := newTestServer(t, "")
	tests := []struct {
		target   string
		wantCode int
	}{
		{"/api/state?platform=whatsapp", http.StatusBadRequest},
		{"/api/state?user_id=nobody&platform=whatsapp", http.StatusNotFound},
		{"/api/state?user_id=nobody&platform=icq", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := ts.do(http.MethodGet, tt.target, ""); w.Code != tt.wantCode {
			t.Errorf("%s: got %d, want %d", tt.target, w.Code, tt.wantCode)
		}
	}
}

func TestHandleSessions(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(http.MethodPost, "/api/connect", `{"user_id":"bob","platform":"telegram"}`)

	w := ts.do(http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp struct {
		Sessions []linker.Info `json:"sessions"`
	}
	decode(t, w, &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].UserID != "bob" {
		t.Errorf("sessions: got %+v", resp.Sessions)
	}
}

func TestHandlePlatforms(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodGet, "/api/platforms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp struct {
		Platforms []platformView `json:"platforms"`
	}
	decode(t, w, &resp)
	if len(resp.Platforms) != 4 {
		t.Fatalf("platforms: got %d, want 4", len(resp.Platforms))
	}
	if resp.Platforms[0].Name != platform.Discord || resp.Platforms[0].Bot != "@discordbot:example.com" {
		t.Errorf("first platform: got %+v", resp.Platforms[0])
	}
	if resp.Platforms[3].Name != platform.WhatsApp || resp.Platforms[3].ConnectTimeout != "2s" {
		t.Errorf("last platform: got %+v", resp.Platforms[3])
	}
}

func TestHandleEventsStream(t *testing.T) {
	ts := newTestServer(t, "Successfully logged in")
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?user_id=carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "event subscriber", func() bool { return ts.hub.SubscriberCount() == 1 })

	ts.do(http.MethodPost, "/api/connect", `{"user_id":"someone-else","platform":"whatsapp","wait":true}`)
	ts.do(http.MethodPost, "/api/connect", `{"user_id":"carol","platform":"whatsapp"}`)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var states []string
	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("ReadJSON: %v (states so far %v)", err, states)
		}
		if evt.UserID != "carol" {
			t.Fatalf("received event for %q", evt.UserID)
		}
		states = append(states, evt.State)
		if evt.State == store.StateConnected {
			break
		}
	}
	if len(states) != 2 || states[0] != store.StateInitializing {
		t.Errorf("states: got %v", states)
	}
}

func TestServeShutsDown(t *testing.T) {
	ts := newTestServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, ln) }()

	waitFor(t, "server to accept", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/platforms")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(time.Second * 10):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: icq", linker.ErrUnknownPlatform), http.StatusBadRequest},
		{linker.ErrSuperseded, http.StatusConflict},
		{fmt.Errorf("max retries exceeded (2): %w", linker.ErrResponseTimeout), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: M_FORBIDDEN", linker.ErrRoomCreation), http.StatusBadGateway},
		{linker.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: disk full", linker.ErrPersistence), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): got %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestConnectBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, "")
	body := bytes.Repeat([]byte("a"), maxBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/api/connect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
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
