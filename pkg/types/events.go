package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName is the closed vocabulary carried over the signaling channel.
type EventName string

const (
	EventJoinSession       EventName = "join-session"
	EventLeaveSession      EventName = "leave-session"
	EventParticipantJoined EventName = "participant-joined"
	EventParticipantLeft   EventName = "participant-left"
	EventWebRTCSignal      EventName = "webrtc-signal"
	EventHandRaise         EventName = "hand-raise"
	EventBroadcastControl  EventName = "broadcast-control"
	EventMuteAllStudents   EventName = "mute-all-students"
	EventNotebookUpdate    EventName = "notebook-update"
	EventMonitoringAlert   EventName = "monitoring-alert"
	EventSystem            EventName = "system"
)

// Payload is implemented by every event variant.
type Payload interface {
	Event() EventName
}

// Envelope is the single frame shape on the wire. The relay stamps
// From, SessionID and Timestamp before delivery.
type Envelope struct {
	Event     EventName       `json:"event"`
	From      string          `json:"from,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals a payload into a frame.
func NewEnvelope(p Payload) (*Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Event(), err)
	}
	return &Envelope{
		Event:     p.Event(),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode parses and validates the frame's payload into its variant.
func (e *Envelope) Decode() (Payload, error) {
	p, err := newPayload(e.Event)
	if err != nil {
		return nil, err
	}
	if len(e.Data) == 0 {
		return nil, ErrMissingPayload
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := ValidateStruct(p); err != nil {
		return nil, err
	}
	if c, ok := p.(checker); ok {
		if err := c.check(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// checker covers cross-field rules the struct tags cannot express.
type checker interface {
	check() error
}

// DecodeAs decodes a frame that is expected to carry T.
func DecodeAs[T any, PT interface {
	*T
	Payload
}](e *Envelope) (*T, error) {
	p, err := e.Decode()
	if err != nil {
		return nil, err
	}
	typed, ok := p.(PT)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedEvent, e.Event)
	}
	return (*T)(typed), nil
}

func newPayload(name EventName) (Payload, error) {
	switch name {
	case EventJoinSession:
		return &JoinSession{}, nil
	case EventLeaveSession:
		return &LeaveSession{}, nil
	case EventParticipantJoined:
		return &ParticipantJoined{}, nil
	case EventParticipantLeft:
		return &ParticipantLeft{}, nil
	case EventWebRTCSignal:
		return &WebRTCSignal{}, nil
	case EventHandRaise:
		return &HandRaise{}, nil
	case EventBroadcastControl:
		return &BroadcastControl{}, nil
	case EventMuteAllStudents:
		return &MuteAllStudents{}, nil
	case EventNotebookUpdate:
		return &NotebookUpdate{}, nil
	case EventMonitoringAlert:
		return &MonitoringReport{}, nil
	case EventSystem:
		return &SystemNotice{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// JoinSession announces presence.
type JoinSession struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId" validate:"required,userid"`
	Role      Role   `json:"role" validate:"required,oneof=teacher student"`
	Name      string `json:"name,omitempty" validate:"max=100"`
}

func (*JoinSession) Event() EventName { return EventJoinSession }

// LeaveSession announces departure.
type LeaveSession struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId" validate:"required,userid"`
}

func (*LeaveSession) Event() EventName { return EventLeaveSession }

// ParticipantJoined is a membership broadcast.
type ParticipantJoined struct {
	Participant
}

func (*ParticipantJoined) Event() EventName { return EventParticipantJoined }

// ParticipantLeft is a membership broadcast.
type ParticipantLeft struct {
	Participant
}

func (*ParticipantLeft) Event() EventName { return EventParticipantLeft }

// SignalType distinguishes negotiation messages.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalData is one negotiation step. Offers and answers carry SDP,
// candidates carry Candidate.
type SignalData struct {
	Type      SignalType    `json:"type" validate:"required,oneof=offer answer ice-candidate"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

func (s *SignalData) check() error {
	switch s.Type {
	case SignalICECandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate required", ErrInvalidPayload)
		}
	default:
		if s.SDP == "" {
			return fmt.Errorf("%w: sdp required for %s", ErrInvalidPayload, s.Type)
		}
	}
	return nil
}

// WebRTCSignal relays a negotiation step point-to-point.
type WebRTCSignal struct {
	From   string     `json:"from,omitempty"`
	To     string     `json:"to" validate:"required,userid"`
	Type   SignalType `json:"type" validate:"required,oneof=offer answer ice-candidate"`
	Signal SignalData `json:"signal"`
}

func (w *WebRTCSignal) check() error {
	if w.Type != w.Signal.Type {
		return fmt.Errorf("%w: signal type %q does not match %q", ErrInvalidPayload, w.Signal.Type, w.Type)
	}
	return w.Signal.check()
}

func (*WebRTCSignal) Event() EventName { return EventWebRTCSignal }

// HandRaise toggles a student's request for attention.
type HandRaise struct {
	StudentID   string    `json:"studentId" validate:"required,userid"`
	StudentName string    `json:"studentName" validate:"max=100"`
	Timestamp   time.Time `json:"timestamp"`
	IsActive    bool      `json:"isActive"`
}

func (*HandRaise) Event() EventName { return EventHandRaise }

// BroadcastAction starts or stops a student broadcast.
type BroadcastAction string

const (
	BroadcastStart BroadcastAction = "start"
	BroadcastStop  BroadcastAction = "stop"
)

// BroadcastControl elevates one student's stream to the class.
type BroadcastControl struct {
	TeacherID    string          `json:"teacherId" validate:"required,userid"`
	StudentID    string          `json:"studentId,omitempty" validate:"omitempty,userid"`
	Action       BroadcastAction `json:"action" validate:"required,oneof=start stop"`
	IncludeAudio bool            `json:"includeAudio"`
	IncludeVideo bool            `json:"includeVideo"`
}

func (*BroadcastControl) Event() EventName { return EventBroadcastControl }

func (b *BroadcastControl) check() error {
	if b.Action == BroadcastStart && b.StudentID == "" {
		return fmt.Errorf("%w: studentId required to start a broadcast", ErrInvalidPayload)
	}
	return nil
}

// MuteAllStudents is a bulk mute directive.
type MuteAllStudents struct {
	SessionID string `json:"sessionId" validate:"required"`
}

func (*MuteAllStudents) Event() EventName { return EventMuteAllStudents }

// NotebookUpdate pushes the latest page raster.
type NotebookUpdate struct {
	NotebookPage
}

func (*NotebookUpdate) Event() EventName { return EventNotebookUpdate }

// MonitoringReport is the integrity heartbeat of one student.
type MonitoringReport struct {
	StudentID          string      `json:"studentId" validate:"required,userid"`
	IsFullscreenActive bool        `json:"isFullscreenActive"`
	IsWindowFocused    bool        `json:"isWindowFocused"`
	LastActivityTime   time.Time   `json:"lastActivityTime"`
	Violations         []Violation `json:"violations" validate:"max=10000,dive"`
}

func (*MonitoringReport) Event() EventName { return EventMonitoringAlert }

// SystemNotice is sent by the relay only, to report rejected frames.
type SystemNotice struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
}

func (*SystemNotice) Event() EventName { return EventSystem }
