package media

import (
	"github.com/google/uuid"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one local capture. A disabled track keeps running but sends
// nothing, which receivers render as silence or a frozen frame.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	id     string
	tier   Tier
	tracks []Track
}

func NewStream(tier Tier, tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tier: tier, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tier() Tier { return s.tier }

func (s *Stream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }

func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() Track {
	if v := s.byKind(KindVideo); len(v) > 0 {
		return v[0]
	}
	return nil
}

func (s *Stream) byKind(k Kind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop ends every track.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *Stream) setEnabled(k Kind, enabled bool) {
	for _, t := range s.byKind(k) {
		t.SetEnabled(enabled)
	}
}
