// Package classroom ties the participant-side services together for one
// session: it owns their lifecycles, routes inbound events to them, and
// keeps the roster the UI renders.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/drawing"
	"liveclass/internal/logger"
	"liveclass/internal/media"
	"liveclass/internal/signaling"
	"liveclass/pkg/types"
)

// Channel is the signaling surface the orchestrator drives.
// signaling.Channel satisfies it.
type Channel interface {
	signaling.Subscriber
	Connect(ctx context.Context, userID, sessionID string) error
	Disconnect()
	OnConnectionLost(fn func(error))
	JoinSession(sessionID, userID string, role types.Role, name string) error
	LeaveSession(sessionID, userID string) error
	RaiseHand(p types.HandRaise) error
	SendBroadcastControl(p types.BroadcastControl) error
	MuteAllStudents(sessionID string) error
	FlushNotebookUpdates()
}

// Media is satisfied by media.Source.
type Media interface {
	Acquire(ctx context.Context, audio, video bool, tier media.Tier) (*media.Stream, error)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
}

// Peers is satisfied by peer.Manager. Teardown also releases media.
type Peers interface {
	CreateConnection(participantID string, initiator bool) error
	HandleSignal(from string, sig types.SignalData) error
	RemoveConnection(participantID string) bool
	Start(ctx context.Context) error
	Teardown()
}

// Monitor is satisfied by monitor.Monitor.
type Monitor interface {
	Start(participantID string) error
	Stop()
	OnWarning(fn func(msg string))
}

// Deps are the services one session runs on. Media, Monitor and Canvas
// are optional; Channel and Peers are not.
type Deps struct {
	Channel Channel
	Peers   Peers
	Media   Media
	Monitor Monitor
	Canvas  *drawing.Engine
	// Tier is where capture starts; the zero value is high.
	Tier media.Tier
	// Notify receives every toast.
	Notify func(Notice)
	Now    func() time.Time
	Log    *zap.Logger
}

// Identity is the local participant.
type Identity struct {
	UserID string
	Name   string
	Role   types.Role
}

type state int

const (
	stateIdle state = iota
	stateJoining
	stateJoined
	stateLeft
)

type subscription struct {
	event types.EventName
	id    signaling.HandlerID
}

// Orchestrator runs one session for one participant. It is single use:
// after Leave it cannot join again.
type Orchestrator struct {
	deps      Deps
	self      Identity
	sessionID string
	caps      types.Capabilities
	log       *zap.Logger

	mu           sync.Mutex
	state        state
	participants map[string]*types.Participant
	notebooks    map[string]types.NotebookPage
	subs         []subscription
	held         []pendingSignal
	cancel       context.CancelFunc
}

func New(deps Deps, id Identity, sessionID string) (*Orchestrator, error) {
	if deps.Channel == nil || deps.Peers == nil {
		return nil, errors.New("classroom: channel and peers are required")
	}
	if !types.IsValidUserID(id.UserID) || !types.IsValidRole(id.Role) || sessionID == "" {
		return nil, ErrInvalidIdentity
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	o := &Orchestrator{
		deps:         deps,
		self:         id,
		sessionID:    sessionID,
		caps:         types.CapabilitiesFor(id.Role),
		participants: make(map[string]*types.Participant),
		notebooks:    make(map[string]types.NotebookPage),
	}
	o.log = logger.OrNop(deps.Log).Named("classroom").With(
		zap.String("user_id", id.UserID),
		zap.String("session_id", sessionID))

	if deps.Monitor != nil {
		deps.Monitor.OnWarning(func(msg string) { o.notify(LevelWarning, msg) })
	}
	deps.Channel.OnConnectionLost(func(err error) {
		o.log.Error("signaling lost", zap.Error(err))
		o.notify(LevelError, msgConnectionLost)
	})
	return o, nil
}

// Join subscribes, connects, announces, acquires media, starts monitoring
// for students, then unmutes. Connect or media failures are terminal:
// one error toast, everything already started is undone, and the error
// wraps ErrCannotJoin.
func (o *Orchestrator) Join(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case stateJoining, stateJoined:
		o.mu.Unlock()
		return ErrAlreadyJoined
	case stateLeft:
		o.mu.Unlock()
		return ErrSessionEnded
	}
	o.state = stateJoining
	o.participants[o.self.UserID] = &types.Participant{
		ID:              o.self.UserID,
		Name:            o.self.Name,
		Role:            o.self.Role,
		IsMuted:         true,
		IsVideoOff:      o.deps.Media == nil,
		IsWindowFocused: true,
	}
	o.mu.Unlock()

	o.subscribe()

	if err := o.deps.Channel.Connect(ctx, o.self.UserID, o.sessionID); err != nil {
		o.abortJoin(false)
		o.notify(LevelError, msgConnectFailed)
		return fmt.Errorf("%w: %w", ErrCannotJoin, err)
	}

	if err := o.deps.Channel.JoinSession(o.sessionID, o.self.UserID, o.self.Role, o.self.Name); err != nil {
		o.abortJoin(true)
		o.notify(LevelError, msgConnectFailed)
		return fmt.Errorf("%w: %w", ErrCannotJoin, err)
	}

	if o.deps.Media != nil {
		if _, err := o.deps.Media.Acquire(ctx, true, true, o.deps.Tier); err != nil {
			o.abortJoin(true)
			o.notify(LevelError, msgMediaFailed)
			return fmt.Errorf("%w: %w", ErrCannotJoin, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := o.deps.Peers.Start(runCtx); err != nil {
		o.log.Warn("quality sampling not started", zap.Error(err))
	}
	o.mu.Lock()
	o.cancel = cancel
	o.state = stateJoined
	o.mu.Unlock()
	o.connectRoster()

	if o.caps.IsMonitored && o.deps.Monitor != nil {
		if err := o.deps.Monitor.Start(o.self.UserID); err != nil {
			o.log.Warn("monitor not started", zap.Error(err))
		}
	}

	if o.deps.Media != nil {
		o.deps.Media.SetAudioEnabled(true)
		o.updateSelf(func(p *types.Participant) { p.IsMuted = false })
	}

	o.log.Info("joined session", zap.String("role", string(o.self.Role)))
	o.notify(LevelSuccess, msgJoined)
	return nil
}

// abortJoin undoes a partial join. announced reports whether join-session
// went out; peers may exist by then, so the orchestrator is spent.
// Before that, Join may be retried.
func (o *Orchestrator) abortJoin(announced bool) {
	if announced {
		o.deps.Peers.Teardown()
		if err := o.deps.Channel.LeaveSession(o.sessionID, o.self.UserID); err != nil {
			o.log.Debug("leave after failed join", zap.Error(err))
		}
	}
	o.unsubscribe()
	o.deps.Channel.Disconnect()

	o.mu.Lock()
	o.state = stateIdle
	if announced {
		o.state = stateLeft
	}
	o.participants = make(map[string]*types.Participant)
	o.held = nil
	o.mu.Unlock()
}

// Leave stops monitoring, tears down peers and media, leaves the session,
// unsubscribes and disconnects. Every step runs; failures are joined.
func (o *Orchestrator) Leave() error {
	o.mu.Lock()
	if o.state != stateJoined {
		o.mu.Unlock()
		return ErrNotJoined
	}
	o.state = stateLeft
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	var errs []error

	if o.deps.Monitor != nil {
		o.deps.Monitor.Stop()
	}
	if cancel != nil {
		cancel()
	}
	o.deps.Peers.Teardown()

	if o.deps.Canvas != nil {
		o.deps.Channel.FlushNotebookUpdates()
	}
	if err := o.deps.Channel.LeaveSession(o.sessionID, o.self.UserID); err != nil {
		errs = append(errs, fmt.Errorf("leave session: %w", err))
	}

	o.unsubscribe()
	o.deps.Channel.Disconnect()

	o.mu.Lock()
	o.participants = make(map[string]*types.Participant)
	o.notebooks = make(map[string]types.NotebookPage)
	o.mu.Unlock()

	o.log.Info("left session")
	return errors.Join(errs...)
}

// RaiseHand toggles the local hand and tells the teacher.
func (o *Orchestrator) RaiseHand() error {
	if !o.caps.CanRaiseHand {
		return ErrNotPermitted
	}
	o.mu.Lock()
	if o.state != stateJoined {
		o.mu.Unlock()
		return ErrNotJoined
	}
	self := o.participants[o.self.UserID]
	self.IsHandRaised = !self.IsHandRaised
	raised := self.IsHandRaised
	o.mu.Unlock()

	return o.deps.Channel.RaiseHand(types.HandRaise{
		StudentID:   o.self.UserID,
		StudentName: o.self.Name,
		Timestamp:   o.deps.Now().UTC(),
		IsActive:    raised,
	})
}

func (o *Orchestrator) MuteAll() error {
	if !o.caps.CanMuteAll {
		return ErrNotPermitted
	}
	if !o.joined() {
		return ErrNotJoined
	}
	return o.deps.Channel.MuteAllStudents(o.sessionID)
}

// StartBroadcast elevates one student's stream to the class.
func (o *Orchestrator) StartBroadcast(studentID string, audio, video bool) error {
	if !o.caps.CanBroadcast {
		return ErrNotPermitted
	}
	o.mu.Lock()
	if o.state != stateJoined {
		o.mu.Unlock()
		return ErrNotJoined
	}
	p, ok := o.participants[studentID]
	if !ok || p.Role != types.RoleStudent {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, studentID)
	}
	o.mu.Unlock()

	err := o.deps.Channel.SendBroadcastControl(types.BroadcastControl{
		TeacherID:    o.self.UserID,
		StudentID:    studentID,
		Action:       types.BroadcastStart,
		IncludeAudio: audio,
		IncludeVideo: video,
	})
	if err != nil {
		return err
	}
	o.markBroadcasting(studentID)
	return nil
}

func (o *Orchestrator) StopBroadcast() error {
	if !o.caps.CanBroadcast {
		return ErrNotPermitted
	}
	if !o.joined() {
		return ErrNotJoined
	}
	err := o.deps.Channel.SendBroadcastControl(types.BroadcastControl{
		TeacherID: o.self.UserID,
		Action:    types.BroadcastStop,
	})
	if err != nil {
		return err
	}
	o.markBroadcasting("")
	return nil
}

// ToggleAudio flips the microphone and returns whether it is now live.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	if o.deps.Media == nil {
		return false, ErrNoMedia
	}
	enabled := !o.deps.Media.AudioEnabled()
	o.deps.Media.SetAudioEnabled(enabled)
	o.updateSelf(func(p *types.Participant) { p.IsMuted = !enabled })
	return enabled, nil
}

// ToggleVideo flips the camera and returns whether it is now live.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	if o.deps.Media == nil {
		return false, ErrNoMedia
	}
	enabled := !o.deps.Media.VideoEnabled()
	o.deps.Media.SetVideoEnabled(enabled)
	o.updateSelf(func(p *types.Participant) { p.IsVideoOff = !enabled })
	return enabled, nil
}

// Participants lists the roster, teachers first, then by ID.
func (o *Orchestrator) Participants() []types.Participant {
	o.mu.Lock()
	out := make([]types.Participant, 0, len(o.participants))
	for _, p := range o.participants {
		out = append(out, *p)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == types.RoleTeacher
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (o *Orchestrator) Participant(id string) (types.Participant, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.participants[id]
	if !ok {
		return types.Participant{}, false
	}
	return *p, true
}

// Notebook returns the latest page a student pushed. Only teachers keep
// notebooks.
func (o *Orchestrator) Notebook(studentID string) (types.NotebookPage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	page, ok := o.notebooks[studentID]
	return page, ok
}

func (o *Orchestrator) Capabilities() types.Capabilities {
	return o.caps
}

// Canvas is the local notebook, nil for teachers or when none was given.
func (o *Orchestrator) Canvas() *drawing.Engine {
	if !o.caps.CanUseNotebook {
		return nil
	}
	return o.deps.Canvas
}

func (o *Orchestrator) Identity() Identity {
	return o.self
}

func (o *Orchestrator) joined() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateJoined
}

func (o *Orchestrator) updateSelf(fn func(p *types.Participant)) {
	o.mu.Lock()
	if self, ok := o.participants[o.self.UserID]; ok {
		fn(self)
	}
	o.mu.Unlock()
}

// markBroadcasting flags id and clears everyone else. An empty id clears
// all.
func (o *Orchestrator) markBroadcasting(id string) {
	o.mu.Lock()
	for pid, p := range o.participants {
		p.IsBroadcasting = pid == id
	}
	o.mu.Unlock()
}

func (o *Orchestrator) notify(level Level, msg string) {
	n := Notice{Level: level, Message: msg, Time: o.deps.Now()}
	if level == LevelError {
		o.log.Error("notice", zap.String("message", msg))
	} else {
		o.log.Debug("notice", zap.String("level", string(level)), zap.String("message", msg))
	}
	if o.deps.Notify != nil {
		o.deps.Notify(n)
	}
}
