package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/config"
	"liveclass/internal/logger"
	"liveclass/internal/media"
	"liveclass/pkg/types"
)

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	NegotiationTimeout   time.Duration
	QualityInterval      time.Duration
	// PoorSamples is how many consecutive poor samples trigger a step down.
	PoorSamples int
}

// OptionsFromConfig maps the classroom config section.
func OptionsFromConfig(cfg config.ClassroomConfig) Options {
	return Options{
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		NegotiationTimeout:   cfg.NegotiationTimeout,
		QualityInterval:      cfg.QualityInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 30 * time.Second
	}
	if o.QualityInterval <= 0 {
		o.QualityInterval = 5 * time.Second
	}
	if o.PoorSamples <= 0 {
		o.PoorSamples = 2
	}
}

// HandlerID identifies a remote stream handler.
type HandlerID uint64

type record struct {
	id           string
	conn         Conn
	gen          uint64
	initiator    bool
	state        State
	quality      Quality
	poorStreak   int
	failures     int
	lastActivity time.Time
	negotiation  *time.Timer
	retry        *time.Timer
}

func (r *record) stopTimers() {
	if r.negotiation != nil {
		r.negotiation.Stop()
		r.negotiation = nil
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

func (r *record) info() Info {
	return Info{
		ParticipantID: r.id,
		State:         r.state,
		Quality:       r.quality,
		Initiator:     r.initiator,
		Failures:      r.failures,
		LastActivity:  r.lastActivity,
	}
}

// Manager owns one connection record per remote participant.
//
// Every Conn is created with a generation number and its callbacks carry
// it, so events from a connection that has since been replaced or
// removed are ignored.
type Manager struct {
	opts     Options
	factory  Factory
	signaler Signaler
	media    MediaSource
	log      *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	records      map[string]*record
	remote       map[string]*RemoteStream
	handlers     map[HandlerID]StreamHandler
	nextID       HandlerID
	gen          uint64
	sampling     context.CancelFunc
	samplingDone chan struct{}
	closed       bool
}

// NewManager creates a manager. source may be nil when the participant
// sends no media.
func NewManager(factory Factory, signaler Signaler, source MediaSource, opts Options, log *zap.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		factory:  factory,
		signaler: signaler,
		media:    source,
		log:      logger.OrNop(log).Named("peer"),
		now:      time.Now,
		records:  make(map[string]*record),
		remote:   make(map[string]*RemoteStream),
		handlers: make(map[HandlerID]StreamHandler),
	}
}

// CreateConnection opens a connection to participantID. The initiator
// sends the offer. A second call for the same participant is a no-op.
func (m *Manager) CreateConnection(participantID string, initiator bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.records[participantID]; ok {
		m.mu.Unlock()
		m.log.Debug("connection already exists", zap.String("participant_id", participantID))
		return nil
	}
	rec, err := m.addLocked(participantID, initiator)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	conn, gen := rec.conn, rec.gen
	m.mu.Unlock()

	m.log.Info("peer connection created",
		zap.String("participant_id", participantID),
		zap.Bool("initiator", initiator))
	if initiator {
		m.start(participantID, gen, conn)
	}
	return nil
}

func (m *Manager) addLocked(participantID string, initiator bool) (*record, error) {
	rec := &record{id: participantID, initiator: initiator}
	if err := m.openLocked(rec); err != nil {
		return nil, fmt.Errorf("create connection to %s: %w", participantID, err)
	}
	m.records[participantID] = rec
	return rec, nil
}

// openLocked builds a fresh Conn for rec under a new generation.
func (m *Manager) openLocked(rec *record) error {
	m.gen++
	gen := m.gen
	rec.gen = gen
	rec.conn = nil
	rec.state = StateConnecting
	rec.quality = QualityUnknown
	rec.poorStreak = 0
	rec.lastActivity = m.now()
	rec.stopTimers()

	var stream *media.Stream
	if m.media != nil {
		stream = m.media.Current()
	}
	conn, err := m.factory.NewConn(ConnConfig{
		RemoteID:  rec.id,
		Initiator: rec.initiator,
		Stream:    stream,
		Events:    m.events(rec.id, gen),
	})
	if err != nil {
		return err
	}
	rec.conn = conn
	id := rec.id
	rec.negotiation = time.AfterFunc(m.opts.NegotiationTimeout, func() { m.negotiationExpired(id, gen) })
	return nil
}

func (m *Manager) start(id string, gen uint64, conn Conn) {
	if err := conn.Start(); err != nil {
		m.fail(id, gen, fmt.Errorf("start negotiation: %w", err))
	}
}

// current returns the record only if gen is still its live generation.
func (m *Manager) current(id string, gen uint64) *record {
	rec := m.records[id]
	if rec == nil || rec.gen != gen {
		return nil
	}
	return rec
}

func (m *Manager) events(id string, gen uint64) Events {
	return Events{
		OnSignal: func(sig types.SignalData) {
			if !m.touch(id, gen) {
				return
			}
			if err := m.signaler.SendSignal(id, sig); err != nil {
				m.log.Warn("failed to send signal",
					zap.String("participant_id", id),
					zap.String("type", string(sig.Type)),
					zap.Error(err))
			}
		},
		OnConnected:    func() { m.connected(id, gen) },
		OnFailed:       func(err error) { m.fail(id, gen, err) },
		OnClosed:       func() { m.closedRemotely(id, gen) },
		OnRemoteStream: func(s *RemoteStream) { m.remoteStream(id, gen, s) },
	}
}

func (m *Manager) touch(id string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.current(id, gen)
	if rec == nil {
		return false
	}
	rec.lastActivity = m.now()
	return true
}

func (m *Manager) connected(id string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.current(id, gen)
	if rec == nil {
		return
	}
	rec.state = StateConnected
	rec.failures = 0
	rec.lastActivity = m.now()
	rec.stopTimers()
	m.log.Info("peer connected", zap.String("participant_id", id))
}

func (m *Manager) fail(id string, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(id, gen, err)
}

// failLocked marks the record failed and schedules one reconnect, unless
// the failure streak is exhausted. An exhausted record keeps its failed
// state but its Conn is closed and later events from it are ignored.
func (m *Manager) failLocked(id string, gen uint64, err error) {
	rec := m.current(id, gen)
	if rec == nil || m.closed || rec.state == StateFailed {
		return
	}
	rec.state = StateFailed
	rec.failures++
	rec.stopTimers()

	if rec.failures > m.opts.MaxReconnectAttempts {
		m.gen++
		rec.gen = m.gen
		if conn := rec.conn; conn != nil {
			rec.conn = nil
			// Close may report state changes that need m.mu.
			go func() { _ = conn.Close() }()
		}
		m.log.Error("giving up on peer connection",
			zap.String("participant_id", id),
			zap.Int("failures", rec.failures),
			zap.Error(err))
		return
	}
	m.log.Warn("peer connection failed, reconnecting",
		zap.String("participant_id", id),
		zap.Int("attempt", rec.failures),
		zap.Duration("delay", m.opts.ReconnectDelay),
		zap.Error(err))
	rec.retry = time.AfterFunc(m.opts.ReconnectDelay, func() { m.reconnect(id, gen) })
}

func (m *Manager) negotiationExpired(id string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.current(id, gen); rec != nil && rec.state == StateConnecting {
		m.failLocked(id, gen, ErrNegotiationTimeout)
	}
}

// reconnect replaces the record's Conn, keeping its initiator role.
func (m *Manager) reconnect(id string, gen uint64) {
	m.mu.Lock()
	rec := m.current(id, gen)
	if rec == nil || m.closed {
		m.mu.Unlock()
		return
	}
	old := rec.conn
	err := m.openLocked(rec)
	conn, next, initiator := rec.conn, rec.gen, rec.initiator
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err != nil {
		m.fail(id, next, fmt.Errorf("recreate connection: %w", err))
		return
	}
	m.log.Info("peer connection recreated", zap.String("participant_id", id), zap.Bool("initiator", initiator))
	if initiator {
		m.start(id, next, conn)
	}
}

func (m *Manager) closedRemotely(id string, gen uint64) {
	m.mu.Lock()
	rec := m.current(id, gen)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.state = StateClosed
	rec.stopTimers()
	delete(m.records, id)
	delete(m.remote, id)
	m.mu.Unlock()
	m.log.Info("peer connection closed", zap.String("participant_id", id))
}

func (m *Manager) remoteStream(id string, gen uint64, s *RemoteStream) {
	m.mu.Lock()
	rec := m.current(id, gen)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.lastActivity = m.now()
	m.remote[id] = s
	handlers := m.handlerSnapshot()
	m.mu.Unlock()

	for _, h := range handlers {
		m.callHandler(h, id, s)
	}
}

func (m *Manager) handlerSnapshot() []StreamHandler {
	ids := make([]HandlerID, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]StreamHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.handlers[id])
	}
	return out
}

func (m *Manager) callHandler(h StreamHandler, id string, s *RemoteStream) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("remote stream handler panicked", zap.String("participant_id", id), zap.Any("panic", r))
		}
	}()
	h(id, s)
}

// HandleSignal applies a negotiation message from a remote participant.
// A signal from an unknown participant creates a non-initiator record.
func (m *Manager) HandleSignal(from string, sig types.SignalData) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	rec, ok := m.records[from]
	if !ok {
		var err error
		if rec, err = m.addLocked(from, false); err != nil {
			m.mu.Unlock()
			return err
		}
		m.log.Info("peer connection created for inbound signal", zap.String("participant_id", from))
	}
	conn, gen := rec.conn, rec.gen
	rec.lastActivity = m.now()
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, from)
	}
	err := conn.Signal(sig)
	if errors.Is(err, ErrUnexpectedOffer) {
		// The remote rebuilt its side; rebuild ours and answer.
		if conn, err = m.rebuild(from, gen); err == nil {
			err = conn.Signal(sig)
		}
	}
	if err != nil {
		return fmt.Errorf("apply %s from %s: %w", sig.Type, from, err)
	}
	return nil
}

func (m *Manager) rebuild(id string, gen uint64) (Conn, error) {
	m.mu.Lock()
	rec := m.current(id, gen)
	if rec == nil || m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, id)
	}
	old := rec.conn
	err := m.openLocked(rec)
	conn := rec.conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("rebuild connection to %s: %w", id, err)
	}
	m.log.Info("peer connection rebuilt for remote offer", zap.String("participant_id", id))
	return conn, nil
}

// RemoveConnection closes and forgets the participant's connection.
func (m *Manager) RemoveConnection(participantID string) bool {
	m.mu.Lock()
	rec, ok := m.records[participantID]
	if ok {
		rec.stopTimers()
		rec.state = StateClosed
		delete(m.records, participantID)
	}
	delete(m.remote, participantID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	if rec.conn != nil {
		if err := rec.conn.Close(); err != nil {
			m.log.Debug("close peer connection", zap.String("participant_id", participantID), zap.Error(err))
		}
	}
	m.log.Info("peer connection removed", zap.String("participant_id", participantID))
	return true
}

// OnRemoteStream registers h for remote stream arrivals.
func (m *Manager) OnRemoteStream(h StreamHandler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.handlers[m.nextID] = h
	return m.nextID
}

func (m *Manager) OffRemoteStream(id HandlerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[id]
	delete(m.handlers, id)
	return ok
}

// RemoteStream returns the latest stream received from a participant.
func (m *Manager) RemoteStream(participantID string) (*RemoteStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.remote[participantID]
	return s, ok
}

// ReplaceStream swaps the video track on every live connection and
// returns how many took it.
func (m *Manager) ReplaceStream(stream *media.Stream) int {
	if m.media == nil || stream == nil {
		return 0
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sinks := make([]media.Sink, 0, len(ids))
	for _, id := range ids {
		if conn := m.records[id].conn; conn != nil {
			sinks = append(sinks, conn)
		}
	}
	m.mu.Unlock()
	return m.media.Replace(stream, sinks...)
}

// Start samples connection quality until ctx ends or Teardown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.sampling != nil {
		return ErrAlreadySampling
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.sampling, m.samplingDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.QualityInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckQuality(ctx)
			}
		}
	}()
	return nil
}

// CheckQuality grades every connected record once. When any record has
// been poor for PoorSamples checks in a row the local media steps down
// one tier and every connection is recreated. It reports whether that
// happened.
func (m *Manager) CheckQuality(ctx context.Context) bool {
	type probe struct {
		id   string
		gen  uint64
		conn Conn
	}
	m.mu.Lock()
	probes := make([]probe, 0, len(m.records))
	for id, rec := range m.records {
		if rec.state == StateConnected && rec.conn != nil {
			probes = append(probes, probe{id: id, gen: rec.gen, conn: rec.conn})
		}
	}
	m.mu.Unlock()

	degrade := false
	for _, p := range probes {
		q := QualityUnknown
		if st, ok := p.conn.Stats(); ok {
			q = st.Classify()
		}

		m.mu.Lock()
		if rec := m.current(p.id, p.gen); rec != nil {
			rec.quality = q
			if q == QualityPoor {
				rec.poorStreak++
			} else {
				rec.poorStreak = 0
			}
			if rec.poorStreak >= m.opts.PoorSamples {
				degrade = true
			}
		}
		m.mu.Unlock()
	}

	if !degrade || m.media == nil {
		return false
	}
	return m.degrade(ctx)
}

func (m *Manager) degrade(ctx context.Context) bool {
	stream, err := m.media.StepDown(ctx)
	switch {
	case errors.Is(err, media.ErrLowestTier):
		m.log.Debug("poor quality at the lowest tier")
		return false
	case err != nil:
		m.log.Warn("failed to step down media quality", zap.Error(err))
		return false
	}
	m.log.Info("poor connection quality, media stepped down", zap.Stringer("tier", stream.Tier()))

	m.mu.Lock()
	gens := make(map[string]uint64, len(m.records))
	for id, rec := range m.records {
		gens[id] = rec.gen
	}
	m.mu.Unlock()

	for id, gen := range gens {
		m.reconnect(id, gen)
	}
	return true
}

// Teardown stops sampling, closes every connection, releases local
// media and drops stream handlers. It is idempotent.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, done := m.sampling, m.samplingDone
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		rec.stopTimers()
		rec.state = StateClosed
		recs = append(recs, rec)
	}
	m.records = make(map[string]*record)
	m.remote = make(map[string]*RemoteStream)
	m.handlers = make(map[HandlerID]StreamHandler)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, rec := range recs {
		if rec.conn != nil {
			_ = rec.conn.Close()
		}
	}
	if m.media != nil {
		m.media.Release()
	}
	m.log.Info("peer manager torn down", zap.Int("connections", len(recs)))
}

// Connection returns a view of one record.
func (m *Manager) Connection(participantID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[participantID]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// Connections lists every record ordered by participant id.
func (m *Manager) Connections() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		Total: len(m.records),
		Quality: map[Quality]int{
			QualityExcellent: 0,
			QualityGood:      0,
			QualityPoor:      0,
			QualityUnknown:   0,
		},
	}
	for _, rec := range m.records {
		if rec.state == StateConnected {
			s.Connected++
		}
		s.Quality[rec.quality]++
	}
	return s
}
