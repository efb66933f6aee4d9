package types

import (
	"time"
)

// Role identifies what a participant may do inside a session.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// SessionStatus is the lifecycle stage of a classroom session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
)

// Session identifies one classroom occurrence.
type Session struct {
	ID                string        `json:"id" db:"id"`
	Title             string        `json:"title" db:"title" validate:"required,max=200"`
	Subject           string        `json:"subject" db:"subject" validate:"max=100"`
	TeacherID         string        `json:"teacherId" db:"teacher_id" validate:"required,userid"`
	TeacherName       string        `json:"teacherName" db:"teacher_name" validate:"max=100"`
	Status            SessionStatus `json:"status" db:"status"`
	IsRecording       bool          `json:"isRecording" db:"is_recording"`
	IsBroadcastActive bool          `json:"isBroadcastActive" db:"is_broadcast_active"`
	// StudentIDs restricts who may join when non-empty.
	StudentIDs []string   `json:"studentIds,omitempty" db:"-" validate:"dive,userid"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	StartTime  *time.Time `json:"startTime,omitempty" db:"start_time"`
	EndTime    *time.Time `json:"endTime,omitempty" db:"end_time"`
}

// IsOpen reports whether participants may currently join.
func (s *Session) IsOpen() bool {
	return s.Status == SessionActive
}

// AllowsStudent reports whether the roster admits the student.
func (s *Session) AllowsStudent(userID string) bool {
	if len(s.StudentIDs) == 0 {
		return true
	}
	for _, id := range s.StudentIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant is one connected user within a session.
type Participant struct {
	ID             string `json:"id" validate:"required,userid"`
	Name           string `json:"name" validate:"max=100"`
	Role           Role   `json:"role" validate:"required,oneof=teacher student"`
	IsMuted        bool   `json:"isMuted"`
	IsVideoOff     bool   `json:"isVideoOff"`
	IsSpeaking     bool   `json:"isSpeaking"`
	IsHandRaised   bool   `json:"isHandRaised"`
	IsBroadcasting bool   `json:"isBroadcasting"`

	// Student-only integrity flags, maintained at the teacher from
	// monitoring reports.
	IsFullscreenActive bool `json:"isFullscreenActive,omitempty"`
	IsWindowFocused    bool `json:"isWindowFocused,omitempty"`
	ViolationCount     int  `json:"violationCount,omitempty"`
}

// ViolationType classifies a lapse in focus discipline.
type ViolationType string

const (
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationTabSwitch      ViolationType = "tab_switch"
)

// Violation is one detected lapse. Violations are never mutated.
type Violation struct {
	ID        string        `json:"id" db:"id" validate:"required"`
	StudentID string        `json:"studentId" db:"student_id" validate:"required,userid"`
	SessionID string        `json:"sessionId,omitempty" db:"session_id"`
	Type      ViolationType `json:"type" db:"type" validate:"required,oneof=fullscreen_exit window_blur tab_switch"`
	Timestamp time.Time     `json:"timestamp" db:"occurred_at" validate:"required"`
}

// NotebookPage is the latest raster of one student's notebook page.
type NotebookPage struct {
	ID         string    `json:"id" db:"id" validate:"required,max=200"`
	StudentID  string    `json:"studentId" db:"student_id" validate:"required,userid"`
	SessionID  string    `json:"sessionId" db:"session_id" validate:"required"`
	PageNumber int       `json:"pageNumber" db:"page_number" validate:"gte=1"`
	CanvasData string    `json:"canvasData" db:"canvas_data" validate:"required,max=4194304"`
	Timestamp  time.Time `json:"timestamp" db:"updated_at"`
}

// Capabilities gates classroom actions by role.
type Capabilities struct {
	CanMuteAll       bool `json:"canMuteAll"`
	CanBroadcast     bool `json:"canBroadcast"`
	CanViewNotebooks bool `json:"canViewNotebooks"`
	CanMonitor       bool `json:"canMonitor"`
	CanRaiseHand     bool `json:"canRaiseHand"`
	CanUseNotebook   bool `json:"canUseNotebook"`
	CanToggleMic     bool `json:"canToggleMic"`
	CanToggleCamera  bool `json:"canToggleCamera"`
	IsMonitored      bool `json:"isMonitored"`
}

// CapabilitiesFor returns the fixed capability set for a role.
func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleTeacher:
		return Capabilities{
			CanMuteAll:       true,
			CanBroadcast:     true,
			CanViewNotebooks: true,
			CanMonitor:       true,
			CanToggleMic:     true,
			CanToggleCamera:  true,
		}
	case RoleStudent:
		return Capabilities{
			CanRaiseHand:    true,
			CanUseNotebook:  true,
			CanToggleMic:    true,
			CanToggleCamera: true,
			IsMonitored:     true,
		}
	default:
		return Capabilities{}
	}
}
