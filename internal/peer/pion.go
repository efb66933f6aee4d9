package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/media"
	"liveclass/pkg/types"
)

// CodecRegistrar registers the codecs local tracks are encoded with.
// *capture.Driver satisfies it.
type CodecRegistrar interface {
	PopulateMediaEngine(m *webrtc.MediaEngine)
}

// localTrack is a media.Track that can be sent by pion.
type localTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// PionOptions configures the production factory.
type PionOptions struct {
	ICEServers []string
	// Codecs defaults to pion's default codec set.
	Codecs CodecRegistrar
	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
}

// PionFactory builds connections on pion/webrtc with trickle ICE.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

func NewPionFactory(opts PionOptions, log *zap.Logger) (*PionFactory, error) {
	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		opts.Codecs.PopulateMediaEngine(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	// The default interceptors include the stats interceptor that
	// quality sampling reads from.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	cfg := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: cfg,
		log:    logger.OrNop(log).Named("pion"),
	}, nil
}

func (f *PionFactory) NewConn(cfg ConnConfig) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &pionConn{
		pc:        pc,
		initiator: cfg.Initiator,
		events:    cfg.Events,
		remote:    make(map[string]*RemoteStream),
		log:       f.log.With(zap.String("participant_id", cfg.RemoteID)),
	}
	if err := c.addTracks(cfg.Stream); err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.bind()
	return c, nil
}

type pionConn struct {
	pc        *webrtc.PeerConnection
	initiator bool
	events    Events
	log       *zap.Logger
	closing   atomic.Bool

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	video   *webrtc.RTPSender
	remote  map[string]*RemoteStream
}

func (c *pionConn) addTracks(stream *media.Stream) error {
	var hasAudio, hasVideo bool
	if stream != nil {
		for _, t := range stream.Tracks() {
			lt, ok := t.(localTrack)
			if !ok {
				c.log.Debug("skipping track without a pion binding", zap.String("track_id", t.ID()))
				continue
			}
			sender, err := c.pc.AddTrack(lt.TrackLocal())
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			if t.Kind() == media.KindVideo {
				hasVideo = true
				if c.video == nil {
					c.video = sender
				}
			} else {
				hasAudio = true
			}
			go drainRTCP(sender)
		}
	}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !hasVideo {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if !hasAudio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return nil
}

func (c *pionConn) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.emitSignal(types.SignalData{
			Type: types.SignalICECandidate,
			Candidate: &types.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if c.events.OnConnected != nil {
				c.events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if c.events.OnFailed != nil {
				c.events.OnFailed(ErrConnectionFailed)
			}
		case webrtc.PeerConnectionStateClosed:
			if !c.closing.Load() && c.events.OnClosed != nil {
				c.events.OnClosed()
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track received",
			zap.String("track_id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))

		kind := media.KindVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.KindAudio
		}
		c.mu.Lock()
		rs, ok := c.remote[track.StreamID()]
		if !ok {
			rs = &RemoteStream{ID: track.StreamID()}
			c.remote[track.StreamID()] = rs
		}
		rs.Tracks = append(rs.Tracks, RemoteTrack{ID: track.ID(), Kind: kind, Codec: track.Codec().MimeType})
		snapshot := &RemoteStream{ID: rs.ID, Tracks: append([]RemoteTrack(nil), rs.Tracks...)}
		c.mu.Unlock()

		if c.events.OnRemoteStream != nil {
			c.events.OnRemoteStream(snapshot)
		}
		go drainTrack(track)
	})
}

func (c *pionConn) emitSignal(sig types.SignalData) {
	if c.events.OnSignal != nil {
		c.events.OnSignal(sig)
	}
}

func (c *pionConn) Start() error {
	c.mu.Lock()
	offer, err := c.pc.CreateOffer(nil)
	if err == nil {
		err = c.pc.SetLocalDescription(offer)
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	c.emitSignal(types.SignalData{Type: types.SignalOffer, SDP: offer.SDP})
	return nil
}

func (c *pionConn) Signal(sig types.SignalData) error {
	switch sig.Type {
	case types.SignalOffer:
		return c.applyOffer(sig.SDP)
	case types.SignalAnswer:
		return c.applyAnswer(sig.SDP)
	case types.SignalICECandidate:
		return c.addCandidate(sig.Candidate)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSignal, sig.Type)
	}
}

func (c *pionConn) applyOffer(sdp string) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() != nil || c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.mu.Unlock()
		return ErrUnexpectedOffer
	}
	answer, err := c.answerLocked(sdp)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emitSignal(types.SignalData{Type: types.SignalAnswer, SDP: answer.SDP})
	return nil
}

func (c *pionConn) answerLocked(sdp string) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	c.flushCandidatesLocked()
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *pionConn) applyAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrUnexpectedAnswer
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.flushCandidatesLocked()
	return nil
}

// addCandidate buffers candidates that arrive before the remote
// description.
func (c *pionConn) addCandidate(cand *types.ICECandidate) error {
	if cand == nil {
		return fmt.Errorf("%w: missing candidate", ErrUnsupportedSignal)
	}
	init := webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, init)
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) flushCandidatesLocked() {
	for _, init := range c.pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			c.log.Warn("failed to add buffered candidate", zap.Error(err))
		}
	}
	c.pending = nil
}

func (c *pionConn) Stats() (Stats, bool) {
	var (
		out   Stats
		found bool
	)
	for _, s := range c.pc.GetStats() {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok || in.Kind != string(media.KindVideo) {
			continue
		}
		found = true
		if in.PacketsLost > 0 {
			out.PacketsLost += uint64(in.PacketsLost)
		}
		out.PacketsReceived += uint64(in.PacketsReceived)
		out.BytesReceived += in.BytesReceived
	}
	return out, found
}

func (c *pionConn) ReplaceVideoTrack(t media.Track) error {
	lt, ok := t.(localTrack)
	if !ok {
		return fmt.Errorf("%w: track has no pion binding", media.ErrReplaceUnsupported)
	}
	c.mu.Lock()
	sender := c.video
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: no video sender", media.ErrReplaceUnsupported)
	}
	if err := sender.ReplaceTrack(lt.TrackLocal()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

func (c *pionConn) Close() error {
	c.closing.Store(true)
	return c.pc.Close()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack keeps reading so the interceptors see every packet.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
