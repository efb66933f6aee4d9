// Package monitor watches a student's viewing discipline while a class is
// running and reports lapses to the teacher.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveclass/internal/config"
	"liveclass/internal/logger"
	"liveclass/pkg/types"
)

const (
	WarnFullscreenExit = "You have exited fullscreen mode. Please return to fullscreen."
	WarnWindowBlur     = "Window focus lost. Please return to the classroom."
	WarnTabSwitch      = "Tab switching detected. Please stay on the classroom tab."
	WarnBlockedAction  = "This action is not allowed during the class."
)

// Screen is the platform's fullscreen control.
type Screen interface {
	RequestFullscreen() error
	ExitFullscreen() error
	IsFullscreen() bool
}

// Reporter delivers heartbeats. signaling.Channel satisfies it.
type Reporter interface {
	SendMonitoringAlert(report types.MonitoringReport)
}

type HandlerID uint64

type Options struct {
	SessionID         string
	HeartbeatInterval time.Duration
	RefullscreenDelay time.Duration
	Now               func() time.Time
}

func OptionsFromConfig(cfg config.ClassroomConfig) Options {
	return Options{HeartbeatInterval: cfg.HeartbeatInterval}
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.RefullscreenDelay <= 0 {
		o.RefullscreenDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type violationHandler struct {
	id HandlerID
	fn func(types.Violation)
}

// Monitor records violations only while active. Platform events that
// arrive while inactive still update the fullscreen and focus flags.
type Monitor struct {
	screen   Screen
	reporter Reporter
	opts     Options
	log      *zap.Logger

	mu           sync.Mutex
	active       bool
	studentID    string
	fullscreen   bool
	focused      bool
	lastActivity time.Time
	violations   []types.Violation
	handlers     []violationHandler
	nextID       HandlerID
	warn         func(string)
	refs         *time.Timer
	cancel       context.CancelFunc
	done         chan struct{}
}

// New builds an inactive monitor. reporter may be nil.
func New(screen Screen, reporter Reporter, opts Options, log *zap.Logger) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		screen:   screen,
		reporter: reporter,
		opts:     opts,
		log:      logger.OrNop(log).Named("monitor"),
		focused:  true,
	}
}

// OnWarning sets the sink for user-facing warnings.
func (m *Monitor) OnWarning(fn func(msg string)) {
	m.mu.Lock()
	m.warn = fn
	m.mu.Unlock()
}

func (m *Monitor) OnViolation(fn func(types.Violation)) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.handlers = append(m.handlers, violationHandler{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *Monitor) OffViolation(id HandlerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handlers {
		if h.id == id {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Start requests fullscreen and begins the heartbeat. A refused fullscreen
// request is logged; the monitor still runs.
func (m *Monitor) Start(participantID string) error {
	if !types.IsValidUserID(participantID) {
		return ErrInvalidParticipant
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active = true
	m.studentID = participantID
	m.violations = nil
	m.lastActivity = m.opts.Now()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if err := m.screen.RequestFullscreen(); err != nil {
		m.log.Warn("fullscreen request refused", zap.Error(err))
	}
	m.mu.Lock()
	m.fullscreen = m.screen.IsFullscreen()
	m.mu.Unlock()

	go m.heartbeat(ctx, done)
	m.log.Info("monitoring started", zap.String("student_id", participantID))
	return nil
}

// Stop is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	cancel, done := m.cancel, m.done
	if m.refs != nil {
		m.refs.Stop()
		m.refs = nil
	}
	m.mu.Unlock()

	cancel()
	<-done

	if m.screen.IsFullscreen() {
		if err := m.screen.ExitFullscreen(); err != nil {
			m.log.Debug("exit fullscreen", zap.Error(err))
		}
	}
	m.log.Info("monitoring stopped")
}

func (m *Monitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Violations returns the log in the order it was recorded.
func (m *Monitor) Violations() []types.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Violation(nil), m.violations...)
}

// Report is the current heartbeat payload.
func (m *Monitor) Report() types.MonitoringReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked()
}

func (m *Monitor) reportLocked() types.MonitoringReport {
	return types.MonitoringReport{
		StudentID:          m.studentID,
		IsFullscreenActive: m.fullscreen,
		IsWindowFocused:    m.focused,
		LastActivityTime:   m.lastActivity,
		Violations:         append([]types.Violation{}, m.violations...),
	}
}

// HandleFullscreenChange records an exit and schedules one re-request.
func (m *Monitor) HandleFullscreenChange(isFullscreen bool) {
	m.mu.Lock()
	m.fullscreen = isFullscreen
	if !m.active || isFullscreen {
		m.mu.Unlock()
		return
	}
	v := m.recordLocked(types.ViolationFullscreenExit)
	if m.refs != nil {
		m.refs.Stop()
	}
	m.refs = time.AfterFunc(m.opts.RefullscreenDelay, m.refullscreen)
	m.mu.Unlock()

	m.emit(v, WarnFullscreenExit)
}

func (m *Monitor) refullscreen() {
	m.mu.Lock()
	m.refs = nil
	retry := m.active && !m.fullscreen
	m.mu.Unlock()
	if !retry {
		return
	}
	if err := m.screen.RequestFullscreen(); err != nil {
		m.log.Debug("fullscreen re-request refused", zap.Error(err))
	}
}

func (m *Monitor) HandleBlur() {
	m.mu.Lock()
	m.focused = false
	if !m.active {
		m.mu.Unlock()
		return
	}
	v := m.recordLocked(types.ViolationWindowBlur)
	m.mu.Unlock()

	m.emit(v, WarnWindowBlur)
}

func (m *Monitor) HandleFocus() {
	m.mu.Lock()
	m.focused = true
	m.lastActivity = m.opts.Now()
	m.mu.Unlock()
}

func (m *Monitor) HandleVisibilityChange(hidden bool) {
	m.mu.Lock()
	if !hidden {
		m.lastActivity = m.opts.Now()
	}
	if !m.active || !hidden {
		m.mu.Unlock()
		return
	}
	v := m.recordLocked(types.ViolationTabSwitch)
	m.mu.Unlock()

	m.emit(v, WarnTabSwitch)
}

// HandleKey reports whether the key press must be suppressed.
func (m *Monitor) HandleKey(k Key) bool {
	m.mu.Lock()
	m.lastActivity = m.opts.Now()
	block := m.active && k.blocked()
	m.mu.Unlock()

	if block {
		m.warnUser(WarnBlockedAction)
	}
	return block
}

// HandleContextMenu reports whether the menu must be suppressed.
func (m *Monitor) HandleContextMenu() bool {
	if !m.IsActive() {
		return false
	}
	m.warnUser(WarnBlockedAction)
	return true
}

// recordLocked appends a violation. Timestamps never go backwards even if
// the wall clock does.
func (m *Monitor) recordLocked(kind types.ViolationType) types.Violation {
	ts := m.opts.Now()
	if n := len(m.violations); n > 0 && ts.Before(m.violations[n-1].Timestamp) {
		ts = m.violations[n-1].Timestamp
	}
	v := types.Violation{
		ID:        uuid.NewString(),
		StudentID: m.studentID,
		SessionID: m.opts.SessionID,
		Type:      kind,
		Timestamp: ts,
	}
	m.violations = append(m.violations, v)
	return v
}

func (m *Monitor) emit(v types.Violation, warning string) {
	m.log.Info("violation",
		zap.String("student_id", v.StudentID),
		zap.String("type", string(v.Type)))

	m.mu.Lock()
	handlers := append([]violationHandler(nil), m.handlers...)
	m.mu.Unlock()
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].id < handlers[j].id })
	for _, h := range handlers {
		m.call(h, v)
	}
	m.warnUser(warning)
}

func (m *Monitor) call(h violationHandler, v types.Violation) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("violation handler panicked", zap.Any("panic", r))
		}
	}()
	h.fn(v)
}

func (m *Monitor) warnUser(msg string) {
	m.mu.Lock()
	fn := m.warn
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (m *Monitor) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.reporter != nil {
				m.reporter.SendMonitoringAlert(m.Report())
			}
		}
	}
}
