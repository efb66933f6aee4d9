package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newSocketPair returns the server and client ends of a live socket.
func newSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-serverSide:
		t.Cleanup(func() { _ = ws.Close() })
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of socket never arrived")
		return nil, nil
	}
}

func newTestConnection(t *testing.T, userID, sessionID string) (*Connection, *websocket.Conn) {
	t.Helper()
	server, client := newSocketPair(t)
	conn := NewConnection(server, userID, sessionID, ConnectionOptions{})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func readEnvelope(t *testing.T, client *websocket.Conn) types.Envelope {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, client.ReadJSON(&env))
	return env
}

type fakeSessionManager struct {
	openErr error
}

func (f *fakeSessionManager) CreateSession(context.Context, *types.Session) (*types.Session, error) {
	return nil, nil
}
func (f *fakeSessionManager) StartSession(context.Context, string) (*types.Session, error) {
	return nil, nil
}
func (f *fakeSessionManager) GetSession(context.Context, string) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (f *fakeSessionManager) EndSession(context.Context, string) error { return nil }
func (f *fakeSessionManager) ListActiveSessions(context.Context) ([]*types.Session, error) {
	return nil, nil
}
func (f *fakeSessionManager) SetBroadcastActive(context.Context, string, bool) error { return nil }
func (f *fakeSessionManager) ValidateSessionOpen(context.Context, string) error {
	return f.openErr
}
func (f *fakeSessionManager) ValidateSessionMembership(context.Context, string, string, types.Role) error {
	return nil
}

// fakeInbound records what the read pump hands over.
type fakeInbound struct {
	mu           sync.Mutex
	messages     []*types.Envelope
	unregistered []*Connection
	sendErr      error
	registry     *Registry
}

func (f *fakeInbound) SendMessage(env *types.Envelope, _ *Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, env)
	return nil
}

func (f *fakeInbound) UnregisterConnection(conn *Connection) error {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, conn)
	f.mu.Unlock()
	if f.registry != nil {
		f.registry.UnregisterConnection(conn)
	}
	return conn.Close()
}

func (f *fakeInbound) received() []*types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Envelope(nil), f.messages...)
}

func (f *fakeInbound) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unregistered)
}
