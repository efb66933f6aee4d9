package media

import (
	"fmt"
	"strings"
)

// Tier is a capture quality preset. Lower tiers trade resolution for
// bandwidth.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

// VideoConstraints bound a camera capture.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate float64
}

// AudioConstraints describe the microphone capture.
type AudioConstraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultAudio is 48kHz mono with the voice processing filters on.
var DefaultAudio = AudioConstraints{
	SampleRate:       48000,
	ChannelCount:     1,
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

var tierVideo = map[Tier]VideoConstraints{
	TierHigh:   {Width: 1280, Height: 720, FrameRate: 30},
	TierMedium: {Width: 640, Height: 480, FrameRate: 24},
	TierLow:    {Width: 320, Height: 240, FrameRate: 15},
}

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Video returns the capture bounds for the tier.
func (t Tier) Video() VideoConstraints {
	return tierVideo[t]
}

// Lower returns the next tier down, or false at the bottom.
func (t Tier) Lower() (Tier, bool) {
	if t >= TierLow {
		return t, false
	}
	return t + 1, true
}

func (t Tier) valid() bool {
	_, ok := tierVideo[t]
	return ok
}

// ParseTier accepts high, medium or low.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh, nil
	case "medium":
		return TierMedium, nil
	case "low":
		return TierLow, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Constraints is one capture request. A nil section is not captured.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// ConstraintsFor builds the request for a tier.
func ConstraintsFor(tier Tier, audio, video bool) Constraints {
	var c Constraints
	if audio {
		a := DefaultAudio
		c.Audio = &a
	}
	if video {
		v := tier.Video()
		c.Video = &v
	}
	return c
}
