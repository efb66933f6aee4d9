package classroom

import (
	"fmt"

	"go.uber.org/zap"

	"liveclass/internal/signaling"
	"liveclass/pkg/types"
)

type pendingSignal struct {
	from string
	sig  types.SignalData
}

func (o *Orchestrator) subscribe() {
	ch := o.deps.Channel
	subs := []subscription{
		{types.EventParticipantJoined, signaling.Handle(ch, o.onParticipantJoined)},
		{types.EventParticipantLeft, signaling.Handle(ch, o.onParticipantLeft)},
		{types.EventWebRTCSignal, signaling.Handle(ch, o.onSignal)},
		{types.EventHandRaise, signaling.Handle(ch, o.onHandRaise)},
		{types.EventBroadcastControl, signaling.Handle(ch, o.onBroadcastControl)},
		{types.EventMuteAllStudents, signaling.Handle(ch, o.onMuteAll)},
		{types.EventMonitoringAlert, signaling.Handle(ch, o.onMonitoringAlert)},
		{types.EventNotebookUpdate, signaling.Handle(ch, o.onNotebookUpdate)},
		{types.EventSystem, signaling.Handle(ch, o.onSystemNotice)},
	}
	o.mu.Lock()
	o.subs = subs
	o.mu.Unlock()
}

func (o *Orchestrator) unsubscribe() {
	o.mu.Lock()
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()
	for _, s := range subs {
		o.deps.Channel.Off(s.event, s.id)
	}
}

// peerRole reports whether a link to p is wanted and which side offers.
// The teacher offers to every student; students answer the teacher and
// never link to each other.
func (o *Orchestrator) peerRole(p types.Participant) (want, initiator bool) {
	if p.ID == o.self.UserID {
		return false, false
	}
	switch {
	case o.self.Role == types.RoleTeacher && p.Role == types.RoleStudent:
		return true, true
	case o.self.Role == types.RoleStudent && p.Role == types.RoleTeacher:
		return true, false
	}
	return false, false
}

func (o *Orchestrator) connectPeer(p types.Participant) {
	want, initiator := o.peerRole(p)
	if !want {
		return
	}
	if err := o.deps.Peers.CreateConnection(p.ID, initiator); err != nil {
		o.log.Warn("peer connection not created",
			zap.String("participant_id", p.ID),
			zap.Error(err))
	}
}

// connectRoster links to everyone who arrived while joining and replays
// signals that were held back until local media existed.
func (o *Orchestrator) connectRoster() {
	o.mu.Lock()
	roster := make([]types.Participant, 0, len(o.participants))
	for _, p := range o.participants {
		roster = append(roster, *p)
	}
	held := o.held
	o.held = nil
	o.mu.Unlock()

	for _, p := range roster {
		o.connectPeer(p)
	}
	for _, h := range held {
		o.applySignal(h.from, h.sig)
	}
}

func (o *Orchestrator) onParticipantJoined(_ *types.Envelope, msg *types.ParticipantJoined) {
	p := msg.Participant
	if p.ID == o.self.UserID {
		return
	}

	o.mu.Lock()
	if o.state != stateJoining && o.state != stateJoined {
		o.mu.Unlock()
		return
	}
	joined := o.state == stateJoined
	if _, ok := o.participants[p.ID]; !ok {
		cp := p
		if cp.Role == types.RoleStudent {
			cp.IsFullscreenActive = true
			cp.IsWindowFocused = true
		}
		o.participants[p.ID] = &cp
	}
	o.mu.Unlock()

	if joined {
		o.connectPeer(p)
		o.notify(LevelInfo, fmt.Sprintf("%s joined the class.", displayName(p)))
	}
}

func (o *Orchestrator) onParticipantLeft(_ *types.Envelope, msg *types.ParticipantLeft) {
	id := msg.ID
	if id == o.self.UserID {
		return
	}
	o.mu.Lock()
	p, ok := o.participants[id]
	delete(o.participants, id)
	o.mu.Unlock()

	o.deps.Peers.RemoveConnection(id)
	if ok {
		o.notify(LevelInfo, fmt.Sprintf("%s left the class.", displayName(*p)))
	}
}

// onSignal trusts the relay-stamped sender over the payload's own field.
func (o *Orchestrator) onSignal(env *types.Envelope, msg *types.WebRTCSignal) {
	from := env.From
	if from == "" {
		from = msg.From
	}
	if from == "" || from == o.self.UserID {
		return
	}

	o.mu.Lock()
	switch o.state {
	case stateJoining:
		o.held = append(o.held, pendingSignal{from: from, sig: msg.Signal})
		o.mu.Unlock()
		return
	case stateJoined:
	default:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.applySignal(from, msg.Signal)
}

func (o *Orchestrator) applySignal(from string, sig types.SignalData) {
	if err := o.deps.Peers.HandleSignal(from, sig); err != nil {
		o.log.Warn("signal rejected",
			zap.String("from", from),
			zap.String("type", string(sig.Type)),
			zap.Error(err))
	}
}

// onHandRaise flips IsHandRaised and nothing else.
func (o *Orchestrator) onHandRaise(_ *types.Envelope, msg *types.HandRaise) {
	o.mu.Lock()
	p, ok := o.participants[msg.StudentID]
	if ok {
		p.IsHandRaised = msg.IsActive
	}
	o.mu.Unlock()

	if ok && msg.IsActive && o.self.Role == types.RoleTeacher {
		o.notify(LevelInfo, fmt.Sprintf("%s raised their hand.", displayName(types.Participant{ID: msg.StudentID, Name: msg.StudentName})))
	}
}

func (o *Orchestrator) onBroadcastControl(_ *types.Envelope, msg *types.BroadcastControl) {
	switch msg.Action {
	case types.BroadcastStart:
		o.markBroadcasting(msg.StudentID)
		if msg.StudentID == o.self.UserID {
			o.notify(LevelInfo, msgBroadcastStarted)
		}
	case types.BroadcastStop:
		o.mu.Lock()
		self, ok := o.participants[o.self.UserID]
		wasLive := ok && self.IsBroadcasting
		o.mu.Unlock()
		o.markBroadcasting("")
		if wasLive {
			o.notify(LevelInfo, msgBroadcastStopped)
		}
	}
}

func (o *Orchestrator) onMuteAll(_ *types.Envelope, msg *types.MuteAllStudents) {
	if o.self.Role != types.RoleStudent || msg.SessionID != o.sessionID {
		return
	}
	if o.deps.Media != nil {
		o.deps.Media.SetAudioEnabled(false)
	}
	o.updateSelf(func(p *types.Participant) { p.IsMuted = true })
	o.notify(LevelWarning, msgMutedByTeacher)
}

// onMonitoringAlert keeps the teacher's view of a student's integrity
// flags current and warns when new violations arrive.
func (o *Orchestrator) onMonitoringAlert(_ *types.Envelope, msg *types.MonitoringReport) {
	if !o.caps.CanMonitor {
		return
	}
	o.mu.Lock()
	p, ok := o.participants[msg.StudentID]
	var fresh int
	if ok {
		p.IsFullscreenActive = msg.IsFullscreenActive
		p.IsWindowFocused = msg.IsWindowFocused
		if n := len(msg.Violations); n > p.ViolationCount {
			fresh = n - p.ViolationCount
			p.ViolationCount = n
		}
	}
	var name string
	if ok {
		name = displayName(*p)
	}
	o.mu.Unlock()

	if fresh > 0 {
		o.notify(LevelWarning, fmt.Sprintf("%s: %d new integrity violation(s).", name, fresh))
	}
}

func (o *Orchestrator) onNotebookUpdate(_ *types.Envelope, msg *types.NotebookUpdate) {
	if !o.caps.CanViewNotebooks {
		return
	}
	o.mu.Lock()
	o.notebooks[msg.StudentID] = msg.NotebookPage
	o.mu.Unlock()
}

func (o *Orchestrator) onSystemNotice(_ *types.Envelope, msg *types.SystemNotice) {
	text := msg.Message
	if text == "" {
		text = msg.Code
	}
	o.notify(LevelWarning, text)
}

func displayName(p types.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
