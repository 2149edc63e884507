// Exercises the registry over real socket connections: org-scoped events
// reach only their org, global events reach everyone, and connection
// lifecycle (limits, auth, disconnect) keeps the registry accurate.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/relational"
)

type socketFixture struct {
	hub    *Hub
	server *httptest.Server
	tokens *auth.TokenService
}

func newSocketFixture(t *testing.T, cfg *ServerConfig) *socketFixture {
	t.Helper()

	hub := NewHub(nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	tokens, err := auth.NewTokenService("registry-test-secret", time.Hour)
	require.NoError(t, err)

	store := relational.NewFake()
	for _, m := range []domain.Membership{
		{OrganizationID: "org-1", UserID: "u1", Role: domain.OrgRoleMember},
		{OrganizationID: "org-2", UserID: "u2", Role: domain.OrgRoleMember},
	} {
		require.NoError(t, store.UpsertMembership(context.Background(), m))
	}

	srv := NewServer(hub, auth.NewResolver(tokens, store, nil), cfg, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleSocket))
	t.Cleanup(ts.Close)

	return &socketFixture{hub: hub, server: ts, tokens: tokens}
}

func (f *socketFixture) mint(t *testing.T, userID, orgID string) string {
	t.Helper()
	token, err := f.tokens.Mint(userID, orgID, nil)
	require.NoError(t, err)
	return token
}

func (f *socketFixture) socketURL(token string) string {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// dialRaw connects without consuming the greeting frame.
func (f *socketFixture) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.socketURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dial connects and consumes the connection_established greeting.
func (f *socketFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := f.dialRaw(t, token)
	greeting, ok := readFrame(t, conn, 2*time.Second)
	require.True(t, ok, "no connection greeting")
	require.Equal(t, "connection_established", greeting.Type)
	return conn
}

type wireFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn, within time.Duration) (wireFrame, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(within))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wireFrame{}, false
	}
	var f wireFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f, true
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.TotalConnections() == n },
		2*time.Second, 5*time.Millisecond)
}

func TestSocketOrgScopedDelivery(t *testing.T) {
	f := newSocketFixture(t, nil)

	org1 := f.dial(t, f.mint(t, "u1", "org-1"))
	org2 := f.dial(t, f.mint(t, "u2", "org-2"))
	anon := f.dial(t, "")
	waitForConnections(t, f.hub, 3)

	// An org-scoped event followed by a global one. Per-connection order
	// is FIFO, so the first frame each connection sees tells us exactly
	// which events reached it.
	f.hub.BroadcastLocal(events.EventEntityCreated, json.RawMessage(`{"id":"e1"}`), events.Org("org-1"))
	f.hub.BroadcastLocal(events.EventHealthUpdate, json.RawMessage(`{"status":"ok"}`), nil)

	first, ok := readFrame(t, org1, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, events.EventEntityCreated, first.Type)
	assert.JSONEq(t, `{"id":"e1"}`, string(first.Data))

	second, ok := readFrame(t, org1, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, events.EventHealthUpdate, second.Type)

	// The other org and the anonymous socket skip straight to the global
	// frame: the scoped event never reached them.
	got, ok := readFrame(t, org2, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, events.EventHealthUpdate, got.Type)

	got, ok = readFrame(t, anon, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, events.EventHealthUpdate, got.Type)
}

func TestSocketGreetingReportsIdentity(t *testing.T) {
	f := newSocketFixture(t, nil)

	anon := f.dialRaw(t, "")
	greeting, ok := readFrame(t, anon, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "connection_established", greeting.Type)
	assert.Contains(t, string(greeting.Data), `"authenticated":false`)

	authed := f.dialRaw(t, f.mint(t, "u1", "org-1"))
	greeting, ok = readFrame(t, authed, 2*time.Second)
	require.True(t, ok)
	assert.Contains(t, string(greeting.Data), `"authenticated":true`)
}

func TestSocketInvalidTokenRejected(t *testing.T) {
	f := newSocketFixture(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(f.socketURL("not-a-token"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestSocketPerUserLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxPerUser = 2
	f := newSocketFixture(t, cfg)
	token := f.mint(t, "u1", "org-1")

	f.dial(t, token)
	waitForConnections(t, f.hub, 1)
	f.dial(t, token)
	waitForConnections(t, f.hub, 2)

	conn, resp, err := websocket.DefaultDialer.Dial(f.socketURL(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestSocketNodeConnectionLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	f := newSocketFixture(t, cfg)

	f.dial(t, "")
	waitForConnections(t, f.hub, 1)

	conn, resp, err := websocket.DefaultDialer.Dial(f.socketURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestSocketDisconnectUnregisters(t *testing.T) {
	f := newSocketFixture(t, nil)

	conn := f.dial(t, f.mint(t, "u1", "org-1"))
	waitForConnections(t, f.hub, 1)
	assert.Equal(t, 1, f.hub.UserConnectionCount("org-1", "u1"))

	conn.Close()
	waitForConnections(t, f.hub, 0)
	assert.Equal(t, 0, f.hub.UserConnectionCount("org-1", "u1"))
}

func TestSocketDevModeTokenlessJoinsDevOrg(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.DisableAuth = true

	hub := NewHub(nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)
	srv := NewServer(hub, nil, cfg, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleSocket))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting, ok := readFrame(t, conn, 2*time.Second)
	require.True(t, ok)
	assert.Contains(t, string(greeting.Data), `"authenticated":true`)

	require.Eventually(t, func() bool { return hub.TotalConnections() == 1 },
		2*time.Second, 5*time.Millisecond)
	hub.BroadcastLocal(events.EventAgentStatus, json.RawMessage(`{"status":"thinking"}`), events.Org(auth.DevOrgID))

	got, ok := readFrame(t, conn, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, events.EventAgentStatus, got.Type)
}
