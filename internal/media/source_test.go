package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    Kind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() Kind { return t.kind }
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeCapturer fails while the requested width is in failWidths.
type fakeCapturer struct {
	failWidths map[int]bool
	calls      []Constraints
	issued     []*fakeTrack
}

func (c *fakeCapturer) Capture(_ context.Context, req Constraints) ([]Track, error) {
	c.calls = append(c.calls, req)
	if req.Video != nil && c.failWidths[req.Video.Width] {
		return nil, fmt.Errorf("camera refused %dx%d", req.Video.Width, req.Video.Height)
	}
	n := len(c.calls)
	var tracks []Track
	if req.Audio != nil {
		t := &fakeTrack{id: fmt.Sprintf("a%d", n), kind: KindAudio, enabled: true}
		c.issued = append(c.issued, t)
		tracks = append(tracks, t)
	}
	if req.Video != nil {
		t := &fakeTrack{id: fmt.Sprintf("v%d", n), kind: KindVideo, enabled: true}
		c.issued = append(c.issued, t)
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (c *fakeCapturer) widths() []int {
	var out []int
	for _, call := range c.calls {
		out = append(out, call.Video.Width)
	}
	return out
}

func TestSource_AcquireHighTier(t *testing.T) {
	capturer := &fakeCapturer{}
	s := NewSource(capturer, nil)

	stream, err := s.Acquire(context.Background(), true, true, TierHigh)
	require.NoError(t, err)

	assert.Equal(t, TierHigh, s.Tier())
	assert.Same(t, stream, s.Current())
	assert.Len(t, stream.AudioTracks(), 1)
	require.NotNil(t, stream.VideoTrack())

	req := capturer.calls[0]
	assert.Equal(t, VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}, *req.Video)
	assert.Equal(t, DefaultAudio, *req.Audio)
}

func TestSource_TierFallback(t *testing.T) {
	tests := []struct {
		name       string
		fail       map[int]bool
		wantWidths []int
		wantTier   Tier
		wantErr    bool
	}{
		{"high succeeds", nil, []int{1280}, TierHigh, false},
		{"falls to medium", map[int]bool{1280: true}, []int{1280, 640}, TierMedium, false},
		{"falls to low", map[int]bool{1280: true, 640: true}, []int{1280, 640, 320}, TierLow, false},
		{"exhausted", map[int]bool{1280: true, 640: true, 320: true}, []int{1280, 640, 320}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capturer := &fakeCapturer{failWidths: tt.fail}
			s := NewSource(capturer, nil)

			stream, err := s.Acquire(context.Background(), true, true, TierHigh)
			assert.Equal(t, tt.wantWidths, capturer.widths(), "tiers are tried in order, once each")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAcquisitionFailed)
				assert.Contains(t, err.Error(), "320x240")
				assert.Nil(t, s.Current())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTier, stream.Tier())
		})
	}
}

func TestSource_AcquireStartingAtLowDoesNotRetry(t *testing.T) {
	capturer := &fakeCapturer{failWidths: map[int]bool{320: true}}
	s := NewSource(capturer, nil)

	_, err := s.Acquire(context.Background(), false, true, TierLow)
	require.ErrorIs(t, err, ErrAcquisitionFailed)
	assert.Len(t, capturer.calls, 1)
}

func TestSource_AcquireRejectsEmptyRequest(t *testing.T) {
	s := NewSource(&fakeCapturer{}, nil)
	_, err := s.Acquire(context.Background(), false, false, TierHigh)
	assert.ErrorIs(t, err, ErrNoTracksRequested)

	_, err = s.Acquire(context.Background(), true, true, Tier(9))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestSource_ReacquireStopsHeldTracks(t *testing.T) {
	capturer := &fakeCapturer{}
	s := NewSource(capturer, nil)

	_, err := s.Acquire(context.Background(), true, true, TierHigh)
	require.NoError(t, err)
	first := append([]*fakeTrack(nil), capturer.issued...)

	_, err = s.Acquire(context.Background(), true, true, TierMedium)
	require.NoError(t, err)

	for _, tr := range first {
		assert.True(t, tr.isStopped(), "track %s", tr.id)
	}
	assert.Equal(t, TierMedium, s.Tier())
}

func TestSource_EnabledStateSurvivesReacquisition(t *testing.T) {
	s := NewSource(&fakeCapturer{}, nil)

	stream, err := s.Acquire(context.Background(), true, true, TierHigh)
	require.NoError(t, err)

	s.SetAudioEnabled(false)
	assert.False(t, stream.AudioTracks()[0].Enabled())
	assert.True(t, stream.VideoTrack().Enabled())

	stream, err = s.StepDown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierMedium, stream.Tier())
	assert.False(t, stream.AudioTracks()[0].Enabled())
	assert.False(t, s.AudioEnabled())

	s.SetVideoEnabled(false)
	assert.False(t, stream.VideoTrack().Enabled())
}

func TestSource_StepDown(t *testing.T) {
	s := NewSource(&fakeCapturer{}, nil)

	_, err := s.StepDown(context.Background())
	require.ErrorIs(t, err, ErrNotAcquired)

	_, err = s.Acquire(context.Background(), false, true, TierMedium)
	require.NoError(t, err)

	stream, err := s.StepDown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierLow, stream.Tier())
	assert.Empty(t, stream.AudioTracks(), "keeps the original selection")

	_, err = s.StepDown(context.Background())
	assert.ErrorIs(t, err, ErrLowestTier)
	assert.Same(t, stream, s.Current())
}

type fakeSink struct {
	err error
	got Track
}

func (k *fakeSink) ReplaceVideoTrack(t Track) error {
	if k.err != nil {
		return k.err
	}
	k.got = t
	return nil
}

func TestSource_ReplaceToleratesFailingSinks(t *testing.T) {
	s := NewSource(&fakeCapturer{}, nil)
	old, err := s.Acquire(context.Background(), true, true, TierHigh)
	require.NoError(t, err)
	s.SetVideoEnabled(false)

	next := NewStream(TierLow,
		&fakeTrack{id: "a", kind: KindAudio, enabled: true},
		&fakeTrack{id: "v", kind: KindVideo, enabled: true})

	ok1 := &fakeSink{}
	unsupported := &fakeSink{err: ErrReplaceUnsupported}
	broken := &fakeSink{err: errors.New("sender closed")}
	ok2 := &fakeSink{}

	n := s.Replace(next, ok1, unsupported, broken, ok2)
	assert.Equal(t, 2, n)
	assert.Same(t, next.VideoTrack(), ok1.got)
	assert.Same(t, next.VideoTrack(), ok2.got)
	assert.Nil(t, unsupported.got)

	assert.Same(t, next, s.Current())
	assert.Equal(t, TierLow, s.Tier())
	assert.False(t, next.VideoTrack().Enabled(), "enabled state carries over")
	assert.False(t, old.VideoTrack().(*fakeTrack).isStopped())
}

func TestSource_Release(t *testing.T) {
	capturer := &fakeCapturer{}
	s := NewSource(capturer, nil)
	s.Release()

	_, err := s.Acquire(context.Background(), true, false, TierHigh)
	require.NoError(t, err)

	s.Release()
	assert.Nil(t, s.Current())
	assert.True(t, capturer.issued[0].isStopped())
	s.Release()
}

func TestParseTier(t *testing.T) {
	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("ultra")
	assert.ErrorIs(t, err, ErrUnknownTier)

	_, ok := TierLow.Lower()
	assert.False(t, ok)
	next, ok := TierHigh.Lower()
	assert.True(t, ok)
	assert.Equal(t, TierMedium, next)
}
