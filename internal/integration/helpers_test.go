package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liveclass/internal/api"
	"liveclass/internal/app"
	"liveclass/internal/classroom"
	"liveclass/internal/config"
	"liveclass/internal/drawing"
	"liveclass/internal/peer"
	"liveclass/internal/signaling"
	"liveclass/pkg/types"
)

// startRelay runs the full relay on a random local port.
func startRelay(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "liveclass.db")

	relay, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, relay.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = relay.Stop(ctx)
	})
	return relay.Addr()
}

func createSession(t *testing.T, addr string, req api.CreateSessionRequest) *types.Session {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Session
}

// participant is one headless client: a real channel and peer manager
// with no local media.
type participant struct {
	orch    *classroom.Orchestrator
	channel *signaling.Channel
	peers   *peer.Manager
	canvas  *drawing.Engine
	events  *eventLog
}

func newParticipant(t *testing.T, addr, sessionID string, id classroom.Identity) *participant {
	t.Helper()

	ch := signaling.NewChannel(signaling.Options{
		URL:              "ws://" + addr + "/ws",
		ConnectAttempts:  3,
		ConnectBaseDelay: 20 * time.Millisecond,
		NotebookThrottle: 50 * time.Millisecond,
	}, nil)
	factory, err := peer.NewPionFactory(peer.PionOptions{IncludeLoopback: true}, nil)
	require.NoError(t, err)
	peers := peer.NewManager(factory, ch, nil, peer.Options{QualityInterval: time.Hour}, nil)

	p := &participant{channel: ch, peers: peers, events: newEventLog(ch)}
	deps := classroom.Deps{Channel: ch, Peers: peers}
	if id.Role == types.RoleStudent {
		p.canvas = drawing.NewEngine(drawing.Options{
			StudentID: id.UserID,
			SessionID: sessionID,
			Width:     64,
			Height:    48,
		}, ch, nil)
		deps.Canvas = p.canvas
	}
	p.orch, err = classroom.New(deps, id, sessionID)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.orch.Leave()
		ch.Disconnect()
	})
	return p
}

func (p *participant) hasParticipant(id string) bool {
	_, ok := p.orch.Participant(id)
	return ok
}

// eventLog records membership broadcasts as "joined:<id>" and "left:<id>".
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func newEventLog(ch *signaling.Channel) *eventLog {
	l := &eventLog{}
	signaling.Handle(ch, func(_ *types.Envelope, p *types.ParticipantJoined) { l.add("joined:" + p.ID) })
	signaling.Handle(ch, func(_ *types.Envelope, p *types.ParticipantLeft) { l.add("left:" + p.ID) })
	return l
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) saw(e string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.events {
		if got == e {
			return true
		}
	}
	return false
}
