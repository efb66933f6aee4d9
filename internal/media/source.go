package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"liveclass/internal/logger"
)

// Capturer opens devices for one set of constraints. The production
// implementation lives in internal/media/capture.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]Track, error)
}

// Sink is something that sends a video track, typically a peer
// connection. Sinks that cannot swap tracks return ErrReplaceUnsupported.
type Sink interface {
	ReplaceVideoTrack(t Track) error
}

// Source holds the participant's local stream.
type Source struct {
	capturer Capturer
	log      *zap.Logger

	mu           sync.Mutex
	stream       *Stream
	tier         Tier
	wantAudio    bool
	wantVideo    bool
	audioEnabled bool
	videoEnabled bool
}

func NewSource(capturer Capturer, log *zap.Logger) *Source {
	return &Source{
		capturer:     capturer,
		log:          logger.OrNop(log).Named("media"),
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Acquire stops any held stream and captures a new one, falling back one
// tier at a time down to low.
func (s *Source) Acquire(ctx context.Context, audio, video bool, tier Tier) (*Stream, error) {
	if !audio && !video {
		return nil, ErrNoTracksRequested
	}
	if !tier.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(tier))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}

	var lastErr error
	for {
		tracks, err := s.capturer.Capture(ctx, ConstraintsFor(tier, audio, video))
		if err == nil {
			stream := NewStream(tier, tracks...)
			stream.setEnabled(KindAudio, s.audioEnabled)
			stream.setEnabled(KindVideo, s.videoEnabled)
			s.stream = stream
			s.tier = tier
			s.wantAudio, s.wantVideo = audio, video
			s.log.Info("media acquired",
				zap.Stringer("tier", tier),
				zap.Int("tracks", len(tracks)))
			return stream, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, ctx.Err())
		}

		lower, ok := tier.Lower()
		if !ok {
			break
		}
		s.log.Warn("media capture failed, falling back",
			zap.Stringer("tier", tier),
			zap.Stringer("fallback", lower),
			zap.Error(err))
		tier = lower
	}
	return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, lastErr)
}

// StepDown re-acquires one tier below the current one with the same
// audio and video selection.
func (s *Source) StepDown(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	if s.stream == nil {
		s.mu.Unlock()
		return nil, ErrNotAcquired
	}
	lower, ok := s.tier.Lower()
	audio, video := s.wantAudio, s.wantVideo
	s.mu.Unlock()

	if !ok {
		return nil, ErrLowestTier
	}
	return s.Acquire(ctx, audio, video, lower)
}

func (s *Source) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
	if s.stream != nil {
		s.stream.setEnabled(KindAudio, enabled)
	}
}

func (s *Source) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
	if s.stream != nil {
		s.stream.setEnabled(KindVideo, enabled)
	}
}

func (s *Source) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *Source) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// Replace makes stream the held stream and swaps its video track into
// every sink. A failing sink keeps its previous track. The previous
// stream is not stopped, since failed sinks may still be sending it.
// It returns the number of sinks that took the new track.
func (s *Source) Replace(stream *Stream, sinks ...Sink) int {
	s.mu.Lock()
	stream.setEnabled(KindAudio, s.audioEnabled)
	stream.setEnabled(KindVideo, s.videoEnabled)
	s.stream = stream
	s.tier = stream.Tier()
	s.mu.Unlock()

	video := stream.VideoTrack()
	if video == nil {
		return 0
	}

	replaced := 0
	for _, sink := range sinks {
		if err := sink.ReplaceVideoTrack(video); err != nil {
			if errors.Is(err, ErrReplaceUnsupported) {
				s.log.Debug("sink kept its previous track", zap.Error(err))
			} else {
				s.log.Warn("failed to replace video track", zap.Error(err))
			}
			continue
		}
		replaced++
	}
	return replaced
}

// Current returns the held stream, or nil.
func (s *Source) Current() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Source) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// Release stops the held stream. Calling it with nothing held is a no-op.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}
