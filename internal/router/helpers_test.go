package router

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
	"github.com/stretchr/testify/require"

	"liveclass/internal/metrics"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

type fakeSessions struct {
	mu          sync.Mutex
	teacherID   string
	roster      []string
	closed      bool
	broadcast   bool
	broadcastCh int
}

func (f *fakeSessions) CreateSession(context.Context, *types.Session) (*types.Session, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSessions) StartSession(context.Context, string) (*types.Session, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSessions) GetSession(context.Context, string) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (f *fakeSessions) EndSession(context.Context, string) error { return nil }
func (f *fakeSessions) ListActiveSessions(context.Context) ([]*types.Session, error) {
	return nil, nil
}
func (f *fakeSessions) SetBroadcastActive(_ context.Context, _ string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = active
	f.broadcastCh++
	return nil
}
func (f *fakeSessions) ValidateSessionOpen(context.Context, string) error { return nil }
func (f *fakeSessions) ValidateSessionMembership(_ context.Context, _ string, userID string, role types.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return interfaces.ErrSessionNotOpen
	}
	if role == types.RoleTeacher {
		if userID != f.teacherID {
			return interfaces.ErrUnauthorized
		}
		return nil
	}
	s := types.Session{StudentIDs: f.roster}
	if !s.AllowsStudent(userID) {
		return interfaces.ErrUnauthorized
	}
	return nil
}

func (f *fakeSessions) broadcastActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcast
}

type fakeStore struct {
	mu         sync.Mutex
	pages      map[string]types.NotebookPage
	violations map[string]types.Violation
	failSave   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{pages: map[string]types.NotebookPage{}, violations: map[string]types.Violation{}}
}

func (f *fakeStore) CreateSession(context.Context, *types.Session) error { return nil }
func (f *fakeStore) GetSession(context.Context, string) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (f *fakeStore) UpdateSession(context.Context, *types.Session) error { return nil }
func (f *fakeStore) ListActiveSessions(context.Context) ([]*types.Session, error) {
	return nil, nil
}
func (f *fakeStore) SaveNotebookPage(_ context.Context, page *types.NotebookPage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("disk full")
	}
	f.pages[page.StudentID] = *page
	return nil
}
func (f *fakeStore) GetNotebookPage(context.Context, string, string, int) (*types.NotebookPage, error) {
	return nil, interfaces.ErrNotFound
}
func (f *fakeStore) AppendViolations(_ context.Context, _ string, vs []types.Violation) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := 0
	for _, v := range vs {
		if _, ok := f.violations[v.ID]; !ok {
			f.violations[v.ID] = v
			added++
		}
	}
	return added, nil
}
func (f *fakeStore) ListViolations(context.Context, string, string) ([]types.Violation, error) {
	return nil, nil
}
func (f *fakeStore) HealthCheck(context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

// testClient is the browser end of a registered relay connection.
type testClient struct {
	t      *testing.T
	conn   *websocket.Connection
	socket *gws.Conn
}

func (c *testClient) next() types.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.socket.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(c.t, c.socket.ReadJSON(&env))
	return env
}

// expectSilence asserts nothing arrives within a short window.
func (c *testClient) expectSilence() {
	c.t.Helper()
	require.NoError(c.t, c.socket.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var env types.Envelope
	err := c.socket.ReadJSON(&env)
	require.Error(c.t, err, "unexpected frame %s", env.Event)
}

type fixture struct {
	t        *testing.T
	registry *websocket.Registry
	sessions *fakeSessions
	store    *fakeStore
	router   *Router
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	registry := websocket.NewRegistry(nil)
	sessions := &fakeSessions{teacherID: "t1"}
	store := newFakeStore()
	return &fixture{
		t:        t,
		registry: registry,
		sessions: sessions,
		store:    store,
		router:   NewRouter(registry, sessions, store, nil, metrics.New(), opts...),
	}
}

var upgrader = gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// connect registers a socket for userID in session s1 without joining.
func (f *fixture) connect(userID string) *testClient {
	t := f.t
	t.Helper()

	serverSide := make(chan *gws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			serverSide <- ws
		}
	}))
	t.Cleanup(srv.Close)

	socket, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = socket.Close() })

	conn := websocket.NewConnection(<-serverSide, userID, "s1", websocket.ConnectionOptions{})
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, f.registry.RegisterConnection(conn))
	return &testClient{t: t, conn: conn, socket: socket}
}

// send stamps and routes a payload the way the hub does.
func (f *fixture) send(from *testClient, p types.Payload) error {
	f.t.Helper()
	env, err := types.NewEnvelope(p)
	require.NoError(f.t, err)
	env.From = from.conn.GetUserID()
	env.SessionID = from.conn.GetSessionID()
	env.Timestamp = time.Now().UTC()
	return f.router.RouteMessage(context.Background(), env)
}

// join connects and joins, draining the frames the joiner receives.
func (f *fixture) join(userID string, role types.Role) *testClient {
	f.t.Helper()
	present := len(f.registry.ListParticipants("s1"))
	c := f.connect(userID)
	require.NoError(f.t, f.send(c, &types.JoinSession{SessionID: "s1", UserID: userID, Role: role, Name: strings.ToUpper(userID)}))
	for i := 0; i < present+1; i++ {
		c.next()
	}
	return c
}
