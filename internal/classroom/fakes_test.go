package classroom

import (
	"context"
	"sync"

	"liveclass/internal/media"
	"liveclass/internal/signaling"
	"liveclass/pkg/types"
)

// fakeChannel records outbound calls and lets tests inject inbound frames
// through a real dispatcher.
type fakeChannel struct {
	*signaling.Dispatcher

	mu         sync.Mutex
	calls      []string
	connectErr error
	joinErr    error
	leaveErr   error
	hands      []types.HandRaise
	broadcasts []types.BroadcastControl
	mutes      []string
	onLost     func(error)
	// afterJoin runs inside JoinSession, before Join continues.
	afterJoin func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{Dispatcher: signaling.NewDispatcher(nil)}
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeChannel) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Connect(context.Context, string, string) error {
	c.record("connect")
	return c.connectErr
}

func (c *fakeChannel) Disconnect() { c.record("disconnect") }

func (c *fakeChannel) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *fakeChannel) JoinSession(string, string, types.Role, string) error {
	c.record("join-session")
	if c.afterJoin != nil {
		c.afterJoin()
	}
	return c.joinErr
}

func (c *fakeChannel) LeaveSession(string, string) error {
	c.record("leave-session")
	return c.leaveErr
}

func (c *fakeChannel) RaiseHand(p types.HandRaise) error {
	c.mu.Lock()
	c.hands = append(c.hands, p)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendBroadcastControl(p types.BroadcastControl) error {
	c.mu.Lock()
	c.broadcasts = append(c.broadcasts, p)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) MuteAllStudents(sessionID string) error {
	c.mu.Lock()
	c.mutes = append(c.mutes, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) FlushNotebookUpdates() { c.record("flush-notebook") }

// deliver dispatches p as if the relay had sent it from from.
func (c *fakeChannel) deliver(from string, p types.Payload) {
	env, err := types.NewEnvelope(p)
	if err != nil {
		panic(err)
	}
	env.From = from
	env.SessionID = "sess1"
	c.Dispatch(env)
}

type peerCall struct {
	id        string
	initiator bool
}

type fakePeers struct {
	ch *fakeChannel

	mu       sync.Mutex
	created  []peerCall
	records  map[string]bool
	signals  []string
	removed  []string
	started  bool
	tornDown int
}

func newFakePeers(ch *fakeChannel) *fakePeers {
	return &fakePeers{ch: ch, records: make(map[string]bool)}
}

func (p *fakePeers) CreateConnection(id string, initiator bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.records[id] {
		return nil
	}
	p.records[id] = true
	p.created = append(p.created, peerCall{id: id, initiator: initiator})
	return nil
}

func (p *fakePeers) HandleSignal(from string, sig types.SignalData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, from+":"+string(sig.Type))
	return nil
}

func (p *fakePeers) RemoveConnection(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
	had := p.records[id]
	delete(p.records, id)
	return had
}

func (p *fakePeers) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeers) Teardown() {
	p.mu.Lock()
	p.tornDown++
	p.mu.Unlock()
	if p.ch != nil {
		p.ch.record("teardown")
	}
}

func (p *fakePeers) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[id]
}

type fakeMedia struct {
	ch         *fakeChannel
	err        error
	audio      bool
	video      bool
	acquiredAt media.Tier
	acquired   int
}

func (m *fakeMedia) Acquire(_ context.Context, audio, video bool, tier media.Tier) (*media.Stream, error) {
	if m.ch != nil {
		m.ch.record("acquire")
	}
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	m.acquiredAt = tier
	m.video = true
	return media.NewStream(tier), nil
}

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	if m.ch != nil && enabled {
		m.ch.record("unmute")
	}
	m.audio = enabled
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) { m.video = enabled }
func (m *fakeMedia) AudioEnabled() bool           { return m.audio }
func (m *fakeMedia) VideoEnabled() bool           { return m.video }

type fakeMonitor struct {
	ch      *fakeChannel
	started string
	stopped int
	warn    func(string)
}

func (m *fakeMonitor) Start(id string) error {
	m.ch.record("monitor-start")
	m.started = id
	return nil
}

func (m *fakeMonitor) Stop() {
	m.ch.record("monitor-stop")
	m.stopped++
}

func (m *fakeMonitor) OnWarning(fn func(string)) { m.warn = fn }

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *noticeLog) levels(level Level) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, notice := range n.notices {
		if notice.Level == level {
			out = append(out, notice.Message)
		}
	}
	return out
}
