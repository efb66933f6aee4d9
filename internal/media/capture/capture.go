// Package capture is the device-backed media.Capturer. It opens the camera
// and microphone through pion/mediadevices, encodes VP8 and Opus, and
// pumps the encoded RTP into pion tracks that peer connections can send.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/media"
)

const rtpMTU = 1200

var (
	_ media.Capturer = (*Driver)(nil)
	_ media.Track    = (*Track)(nil)
)

// Driver captures local devices.
type Driver struct {
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// NewDriver configures VP8 and Opus encoders tuned for a classroom mesh.
func NewDriver(log *zap.Logger) (*Driver, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &Driver{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger.OrNop(log).Named("capture"),
	}, nil
}

// PopulateMediaEngine registers the driver's codecs so negotiated
// payload types match what the encoders produce.
func (d *Driver) PopulateMediaEngine(m *webrtc.MediaEngine) {
	d.selector.Populate(m)
}

// Capture opens the devices and starts one pump per track. ctx bounds the
// acquisition only; the tracks run until stopped.
func (d *Driver) Capture(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if v := c.Video; v != nil {
		req.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.IntRanged{Max: v.Width, Ideal: v.Width}
			mc.Height = prop.IntRanged{Max: v.Height, Ideal: v.Height}
			mc.FrameRate = prop.FloatRanged{Max: float32(v.FrameRate), Ideal: float32(v.FrameRate)}
		}
	}
	if a := c.Audio; a != nil {
		req.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(a.SampleRate)
			mc.ChannelCount = prop.Int(a.ChannelCount)
			mc.SampleSize = prop.Int(16)
			mc.IsFloat = prop.BoolExact(false)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(req)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var tracks []media.Track
	abort := func() {
		for _, started := range tracks {
			started.Stop()
		}
		for _, rest := range stream.GetTracks() {
			_ = rest.Close()
		}
	}
	for _, src := range stream.GetTracks() {
		t, err := d.newTrack(src)
		if err != nil {
			abort()
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if err := ctx.Err(); err != nil {
		abort()
		return nil, err
	}
	return tracks, nil
}

func (d *Driver) newTrack(src mediadevices.Track) (*Track, error) {
	kind := media.KindVideo
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		kind = media.KindAudio
		capability = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, src.ID(), "liveclass-"+string(kind))
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	reader, err := src.NewRTPReader(capability.MimeType, rand.Uint32(), rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("create %s rtp reader: %w", kind, err)
	}

	t := bindTrack(src.ID(), kind, local, src.Close, d.log)
	t.start(reader, local)
	return t, nil
}

// rtpReader is the encoded side of a device track.
// mediadevices.RTPReadCloser satisfies it.
type rtpReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Track is a captured device track bound to a pion local track.
type Track struct {
	id          string
	local       webrtc.TrackLocal
	kind        media.Kind
	closeSource func() error
	enabled     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
	log         *zap.Logger
}

func bindTrack(id string, kind media.Kind, local webrtc.TrackLocal, closeSource func() error, log *zap.Logger) *Track {
	t := &Track{
		id:          id,
		local:       local,
		kind:        kind,
		closeSource: closeSource,
		cancel:      func() {},
		done:        make(chan struct{}),
		log:         logger.OrNop(log).With(zap.String("track_id", id), zap.String("kind", string(kind))),
	}
	t.enabled.Store(true)
	return t
}

// start runs the pump on its own context, which only Stop cancels.
func (t *Track) start(reader rtpReader, out rtpWriter) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pump(ctx, reader, out)
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// TrackLocal is what peer connections add as a sender.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

// Stop ends the pump and closes the device.
func (t *Track) Stop() {
	t.once.Do(func() {
		t.cancel()
		if t.closeSource != nil {
			if err := t.closeSource(); err != nil {
				t.log.Debug("close capture track", zap.Error(err))
			}
		}
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
			t.log.Warn("capture pump did not stop")
		}
	})
}

// pump forwards encoded packets. While disabled packets are read and
// dropped so the encoder never backs up.
func (t *Track) pump(ctx context.Context, reader rtpReader, out rtpWriter) {
	defer close(t.done)
	defer func() { _ = reader.Close() }()

	for {
		if ctx.Err() != nil {
			return
		}
		pkts, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.log.Warn("rtp read failed", zap.Error(err))
			}
			return
		}
		if t.enabled.Load() {
			for _, pkt := range pkts {
				if err := out.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					t.log.Debug("rtp write failed", zap.Error(err))
				}
			}
		}
		if release != nil {
			release()
		}
	}
}
