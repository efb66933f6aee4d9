package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

func TestRouter_JoinReplaysRosterThenAnnounces(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next() // u1 joined

	u2 := f.connect("u2")
	require.NoError(t, f.send(u2, &types.JoinSession{SessionID: "s1", UserID: "u2", Role: types.RoleStudent, Name: "Uma"}))

	// replay first, in join order, then the joiner's own announcement
	first := u2.next()
	second := u2.next()
	own := u2.next()
	assert.Equal(t, types.EventParticipantJoined, first.Event)
	assert.Equal(t, "t1", first.From)
	assert.Equal(t, "u1", second.From)
	assert.Equal(t, "u2", own.From)

	joined, err := types.DecodeAs[types.ParticipantJoined](&own)
	require.NoError(t, err)
	assert.Equal(t, "Uma", joined.Name)
	assert.Equal(t, types.RoleStudent, joined.Role)

	for _, c := range []*testClient{teacher, u1} {
		env := c.next()
		assert.Equal(t, types.EventParticipantJoined, env.Event)
		assert.Equal(t, "u2", env.From)
		assert.Equal(t, "s1", env.SessionID)
	}
}

func TestRouter_JoinRejections(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		payload *types.JoinSession
		setup   func(*fixture)
		wantErr error
	}{
		{
			name:    "identity mismatch",
			userID:  "u1",
			payload: &types.JoinSession{SessionID: "s1", UserID: "u9", Role: types.RoleStudent},
			wantErr: ErrIdentityMismatch,
		},
		{
			name:    "session mismatch",
			userID:  "u1",
			payload: &types.JoinSession{SessionID: "s2", UserID: "u1", Role: types.RoleStudent},
			wantErr: ErrSessionMismatch,
		},
		{
			name:    "teacher not owner",
			userID:  "t2",
			payload: &types.JoinSession{SessionID: "s1", UserID: "t2", Role: types.RoleTeacher},
			wantErr: interfaces.ErrUnauthorized,
		},
		{
			name:    "student off roster",
			userID:  "u3",
			payload: &types.JoinSession{SessionID: "s1", UserID: "u3", Role: types.RoleStudent},
			setup:   func(f *fixture) { f.sessions.roster = []string{"u1"} },
			wantErr: interfaces.ErrUnauthorized,
		},
		{
			name:    "session closed",
			userID:  "u1",
			payload: &types.JoinSession{SessionID: "s1", UserID: "u1", Role: types.RoleStudent},
			setup:   func(f *fixture) { f.sessions.closed = true },
			wantErr: interfaces.ErrSessionNotOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			c := f.connect(tt.userID)
			err := f.send(c, tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.registry.ListParticipants("s1"))
		})
	}
}

func TestRouter_EventsRequireJoin(t *testing.T) {
	f := newFixture(t)
	c := f.connect("u1")

	err := f.send(c, &types.HandRaise{StudentID: "u1", IsActive: true})
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Equal(t, CodeNotJoined, ErrorCode(err))
}

func TestRouter_UnknownSender(t *testing.T) {
	f := newFixture(t)
	env, err := types.NewEnvelope(&types.MuteAllStudents{SessionID: "s1"})
	require.NoError(t, err)
	env.From = "ghost"
	env.SessionID = "s1"

	assert.ErrorIs(t, f.router.RouteMessage(context.Background(), env), ErrSenderNotConnected)
}

func TestRouter_LeaveAnnouncesToAllIncludingLeaver(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	require.NoError(t, f.send(u1, &types.LeaveSession{SessionID: "s1", UserID: "u1"}))

	for _, c := range []*testClient{u1, teacher} {
		env := c.next()
		assert.Equal(t, types.EventParticipantLeft, env.Event)
		assert.Equal(t, "u1", env.From)
	}
	assert.Len(t, f.registry.ListParticipants("s1"), 1)

	// socket stays open but the user is no longer joined
	err := f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: true})
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestRouter_DisconnectAnnouncesDeparture(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	f.router.HandleDisconnect(context.Background(), u1.conn)

	env := teacher.next()
	assert.Equal(t, types.EventParticipantLeft, env.Event)
	assert.Equal(t, "u1", env.From)
	_, ok := f.registry.GetUserConnection("u1")
	assert.False(t, ok)

	// a second notification for the same socket is ignored
	f.router.HandleDisconnect(context.Background(), u1.conn)
	teacher.expectSilence()
}

func TestRouter_DisconnectOfPendingSocketIsSilent(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	pending := f.connect("u1")

	f.router.HandleDisconnect(context.Background(), pending.conn)
	teacher.expectSilence()
}

func TestRouter_SignalIsPointToPoint(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	u2 := f.join("u2", types.RoleStudent)
	teacher.next()
	teacher.next()
	u1.next()

	signal := &types.WebRTCSignal{
		From:   "spoofed",
		To:     "u1",
		Type:   types.SignalOffer,
		Signal: types.SignalData{Type: types.SignalOffer, SDP: "v=0"},
	}
	require.NoError(t, f.send(teacher, signal))

	env := u1.next()
	got, err := types.DecodeAs[types.WebRTCSignal](&env)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.From, "sender identity is stamped by the relay")
	assert.Equal(t, "v=0", got.Signal.SDP)

	u2.expectSilence()
	teacher.expectSilence()
}

func TestRouter_SignalToUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	f.connect("pending")

	base := types.WebRTCSignal{Type: types.SignalAnswer, Signal: types.SignalData{Type: types.SignalAnswer, SDP: "v=0"}}

	ghost := base
	ghost.To = "ghost"
	assert.ErrorIs(t, f.send(teacher, &ghost), ErrRecipientNotFound)

	pending := base
	pending.To = "pending"
	err := f.send(teacher, &pending)
	assert.ErrorIs(t, err, ErrRecipientNotInSession)
	assert.Equal(t, CodeRecipientNotFound, ErrorCode(err))
}

func TestRouter_HandRaiseRoundTrip(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	require.NoError(t, f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: true}))

	for _, c := range []*testClient{teacher, u1} {
		env := c.next()
		got, err := types.DecodeAs[types.HandRaise](&env)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, "U1", got.StudentName)
		assert.False(t, got.Timestamp.IsZero())
	}

	participants := f.registry.ListParticipants("s1")
	require.Len(t, participants, 2)
	assert.True(t, participants[1].IsHandRaised)

	err := f.send(teacher, &types.HandRaise{StudentID: "t1", IsActive: true})
	assert.ErrorIs(t, err, ErrUnauthorizedEvent)
	assert.Equal(t, CodeForbidden, ErrorCode(err))

	assert.ErrorIs(t, f.send(u1, &types.HandRaise{StudentID: "u2", IsActive: true}), ErrIdentityMismatch)
}

func TestRouter_BroadcastControl(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	require.NoError(t, f.send(teacher, &types.BroadcastControl{TeacherID: "t1", StudentID: "u1", Action: types.BroadcastStart, IncludeVideo: true}))
	assert.Equal(t, types.EventBroadcastControl, u1.next().Event)
	assert.Equal(t, types.EventBroadcastControl, teacher.next().Event)
	assert.True(t, f.sessions.broadcastActive())
	assert.True(t, f.registry.ListParticipants("s1")[1].IsBroadcasting)

	// the broadcaster leaving clears the session flag
	f.router.HandleDisconnect(context.Background(), u1.conn)
	teacher.next()
	assert.False(t, f.sessions.broadcastActive())

	assert.ErrorIs(t, f.send(teacher, &types.BroadcastControl{TeacherID: "t9", Action: types.BroadcastStop}), ErrIdentityMismatch)
}

func TestRouter_BroadcastControlTeacherOnly(t *testing.T) {
	f := newFixture(t)
	u1 := f.join("u1", types.RoleStudent)

	err := f.send(u1, &types.BroadcastControl{TeacherID: "u1", StudentID: "u1", Action: types.BroadcastStart})
	assert.ErrorIs(t, err, ErrUnauthorizedEvent)
}

func TestRouter_MuteAllReachesStudentsOnly(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	u2 := f.join("u2", types.RoleStudent)
	teacher.next()
	teacher.next()
	u1.next()

	require.NoError(t, f.send(teacher, &types.MuteAllStudents{SessionID: "s1"}))

	assert.Equal(t, types.EventMuteAllStudents, u1.next().Event)
	assert.Equal(t, types.EventMuteAllStudents, u2.next().Event)
	teacher.expectSilence()
	for _, p := range f.registry.ListParticipants("s1")[1:] {
		assert.True(t, p.IsMuted)
	}

	assert.ErrorIs(t, f.send(u1, &types.MuteAllStudents{SessionID: "s1"}), ErrUnauthorizedEvent)
}

func TestRouter_NotebookUpdatePersistsAndReachesTeachers(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	u2 := f.join("u2", types.RoleStudent)
	teacher.next()
	teacher.next()
	u1.next()

	page := types.NotebookPage{ID: "u1-s1-1-1", StudentID: "u1", SessionID: "s1", PageNumber: 1, CanvasData: "data:image/png;base64,AA=="}
	require.NoError(t, f.send(u1, &types.NotebookUpdate{NotebookPage: page}))

	env := teacher.next()
	got, err := types.DecodeAs[types.NotebookUpdate](&env)
	require.NoError(t, err)
	assert.Equal(t, page.CanvasData, got.CanvasData)
	u2.expectSilence()
	u1.expectSilence()

	assert.Equal(t, page.CanvasData, f.store.pages["u1"].CanvasData)
	assert.False(t, f.store.pages["u1"].Timestamp.IsZero())

	f.store.failSave = true
	err = f.send(u1, &types.NotebookUpdate{NotebookPage: page})
	assert.ErrorIs(t, err, ErrPersistFailed)
	assert.Equal(t, CodePersistFailed, ErrorCode(err))
	teacher.expectSilence()
}

func TestRouter_NotebookUpdateRejectsForeignPage(t *testing.T) {
	f := newFixture(t)
	u1 := f.join("u1", types.RoleStudent)

	page := types.NotebookPage{ID: "x", StudentID: "u2", SessionID: "s1", PageNumber: 1, CanvasData: "data:image/png;base64,AA=="}
	assert.ErrorIs(t, f.send(u1, &types.NotebookUpdate{NotebookPage: page}), ErrIdentityMismatch)

	page.StudentID = "u1"
	page.SessionID = "s9"
	assert.ErrorIs(t, f.send(u1, &types.NotebookUpdate{NotebookPage: page}), ErrSessionMismatch)
}

func TestRouter_MonitoringAlertAppendsViolations(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	now := time.Now().UTC()
	report := &types.MonitoringReport{
		StudentID:        "u1",
		IsWindowFocused:  false,
		LastActivityTime: now,
		Violations: []types.Violation{
			{ID: "v1", StudentID: "u1", Type: types.ViolationFullscreenExit, Timestamp: now},
		},
	}
	require.NoError(t, f.send(u1, report))
	assert.Equal(t, types.EventMonitoringAlert, teacher.next().Event)
	u1.expectSilence()

	report.Violations = append(report.Violations, types.Violation{ID: "v2", StudentID: "u1", Type: types.ViolationWindowBlur, Timestamp: now.Add(time.Second)})
	require.NoError(t, f.send(u1, report))
	teacher.next()

	assert.Len(t, f.store.violations, 2)
	p := f.registry.ListParticipants("s1")[1]
	assert.Equal(t, 2, p.ViolationCount)
	assert.False(t, p.IsWindowFocused)

	report.Violations = []types.Violation{{ID: "v3", StudentID: "u2", Type: types.ViolationTabSwitch, Timestamp: now}}
	assert.ErrorIs(t, f.send(u1, report), ErrIdentityMismatch)
}

func TestRouter_RelayOnlyEventsAreRejected(t *testing.T) {
	f := newFixture(t)
	u1 := f.join("u1", types.RoleStudent)

	err := f.send(u1, &types.ParticipantJoined{Participant: types.Participant{ID: "u1", Role: types.RoleStudent}})
	assert.ErrorIs(t, err, ErrUnauthorizedEvent)
	err = f.send(u1, &types.SystemNotice{Code: "x"})
	assert.ErrorIs(t, err, ErrUnauthorizedEvent)
}

func TestRouter_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.join("u1", types.RoleStudent)

	env := &types.Envelope{Event: types.EventHandRaise, From: "u1", SessionID: "s1", Data: []byte(`{"isActive":true}`)}
	err := f.router.RouteMessage(context.Background(), env)
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
	assert.Equal(t, CodeInvalidPayload, ErrorCode(err))

	env = &types.Envelope{Event: "chat", From: "u1", SessionID: "s1", Data: []byte(`{}`)}
	assert.Equal(t, CodeUnknownEvent, ErrorCode(f.router.RouteMessage(context.Background(), env)))
}

func TestRouter_RateLimitPerEvent(t *testing.T) {
	f := newFixture(t, WithRateLimits(3, 2))
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	teacher.next()

	require.NoError(t, f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: true}))
	require.NoError(t, f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: false}))
	err := f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: true})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, CodeRateLimited, ErrorCode(err))

	// a different event has its own window
	report := &types.MonitoringReport{StudentID: "u1", IsFullscreenActive: true, IsWindowFocused: true}
	assert.NoError(t, f.send(u1, report))
}

type recordingDeliverer struct {
	audiences []Audience
	events    []types.EventName
}

func (r *recordingDeliverer) Deliver(_ context.Context, aud Audience, env *types.Envelope) error {
	r.audiences = append(r.audiences, aud)
	r.events = append(r.events, env.Event)
	return nil
}

func TestRouter_AudienceSelection(t *testing.T) {
	rec := &recordingDeliverer{}
	f := newFixture(t, WithDeliverer(rec))
	teacher := f.connect("t1")
	require.NoError(t, f.send(teacher, &types.JoinSession{SessionID: "s1", UserID: "t1", Role: types.RoleTeacher}))
	u1 := f.connect("u1")
	require.NoError(t, f.send(u1, &types.JoinSession{SessionID: "s1", UserID: "u1", Role: types.RoleStudent}))
	u1.next() // replay of t1

	require.NoError(t, f.send(u1, &types.HandRaise{StudentID: "u1", IsActive: true}))
	require.NoError(t, f.send(teacher, &types.MuteAllStudents{SessionID: "s1"}))
	require.NoError(t, f.send(u1, &types.MonitoringReport{StudentID: "u1"}))
	require.NoError(t, f.send(u1, &types.LeaveSession{SessionID: "s1", UserID: "u1"}))

	assert.Equal(t, []Audience{
		{SessionID: "s1", Kind: AudienceAll},
		{SessionID: "s1", Kind: AudienceAll},
		{SessionID: "s1", Kind: AudienceAll},
		{SessionID: "s1", Kind: AudienceStudents},
		{SessionID: "s1", Kind: AudienceTeachers},
		{SessionID: "s1", Kind: AudienceAll, ExcludeUserID: "u1"},
	}, rec.audiences)
	assert.Equal(t, types.EventParticipantLeft, rec.events[len(rec.events)-1])
}

func TestErrorCode_Default(t *testing.T) {
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, CodeSessionClosed, ErrorCode(interfaces.ErrSessionNotFound))
}
