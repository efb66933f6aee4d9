package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/router"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

type fakeRouter struct {
	mu           sync.Mutex
	routed       []types.Envelope
	disconnected []string
	err          error
}

func (f *fakeRouter) RouteMessage(_ context.Context, env *types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, *env)
	return f.err
}

func (f *fakeRouter) HandleDisconnect(_ context.Context, conn interfaces.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, conn.GetUserID())
}

func (f *fakeRouter) routedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routed)
}

func (f *fakeRouter) snapshot() ([]types.Envelope, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Envelope(nil), f.routed...), append([]string(nil), f.disconnected...)
}

var upgrader = gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newConn(t *testing.T, userID string) (*websocket.Connection, *gws.Conn) {
	t.Helper()
	serverSide := make(chan *gws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws, err := upgrader.Upgrade(w, r, nil); err == nil {
			serverSide <- ws
		}
	}))
	t.Cleanup(srv.Close)

	client, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := websocket.NewConnection(<-serverSide, userID, "s1", websocket.ConnectionOptions{})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func startHub(t *testing.T, r interfaces.MessageRouter) *Hub {
	t.Helper()
	h := NewHub(r, nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(&fakeRouter{}, nil)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHub_RejectsWhenNotRunning(t *testing.T) {
	h := NewHub(&fakeRouter{}, nil)
	conn, _ := newConn(t, "u1")

	assert.ErrorIs(t, h.SendMessage(&types.Envelope{Event: types.EventHandRaise}, conn), ErrHubNotRunning)
	assert.ErrorIs(t, h.UnregisterConnection(conn), ErrHubNotRunning)
}

func TestHub_RejectsNilConnection(t *testing.T) {
	h := startHub(t, &fakeRouter{})
	assert.ErrorIs(t, h.SendMessage(&types.Envelope{}, nil), ErrNilConnection)
	assert.ErrorIs(t, h.UnregisterConnection(nil), ErrNilConnection)
}

func TestHub_StampsSenderIdentity(t *testing.T) {
	r := &fakeRouter{}
	h := startHub(t, r)
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	conn, _ := newConn(t, "u1")
	// client-supplied identity is overwritten
	require.NoError(t, h.SendMessage(&types.Envelope{Event: types.EventHandRaise, From: "spoofed", SessionID: "other"}, conn))

	require.Eventually(t, func() bool { return r.routedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	routed, _ := r.snapshot()
	assert.Equal(t, "u1", routed[0].From)
	assert.Equal(t, "s1", routed[0].SessionID)
	assert.Equal(t, fixed, routed[0].Timestamp)
}

func TestHub_RoutingErrorNotifiesSender(t *testing.T) {
	r := &fakeRouter{err: router.ErrUnauthorizedEvent}
	h := startHub(t, r)
	conn, client := newConn(t, "u1")

	require.NoError(t, h.SendMessage(&types.Envelope{Event: types.EventMuteAllStudents}, conn))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, types.EventSystem, env.Event)

	notice, err := types.DecodeAs[types.SystemNotice](&env)
	require.NoError(t, err)
	assert.Equal(t, "forbidden", notice.Code)
}

func TestHub_DepartureFollowsQueuedFrames(t *testing.T) {
	r := &fakeRouter{}
	h := startHub(t, r)
	conn, _ := newConn(t, "u1")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.SendMessage(&types.Envelope{Event: types.EventHandRaise}, conn))
	}
	require.NoError(t, h.UnregisterConnection(conn))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after departure")
	}

	routed, disconnected := r.snapshot()
	assert.Len(t, routed, 5)
	assert.Equal(t, []string{"u1"}, disconnected)
}

func TestHub_ChannelFull(t *testing.T) {
	r := &fakeRouter{}
	h := NewHub(r, nil)
	h.running = true
	conn, _ := newConn(t, "u1")

	var err error
	for i := 0; i < cap(h.inbound)+1; i++ {
		if err = h.SendMessage(&types.Envelope{Event: types.EventHandRaise}, conn); err != nil {
			break
		}
	}
	assert.True(t, errors.Is(err, ErrMessageChannelFull))
}
