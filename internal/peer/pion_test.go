package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/media"
	"liveclass/pkg/types"
)

// pionPair wires two pion connections through goroutines standing in for
// the relay.
type pionPair struct {
	offerer, answerer   Conn
	offererUp, answerUp chan struct{}
	errs                chan error
}

func newPionPair(t *testing.T) *pionPair {
	t.Helper()
	factory, err := NewPionFactory(PionOptions{IncludeLoopback: true}, nil)
	require.NoError(t, err)

	p := &pionPair{
		offererUp: make(chan struct{}, 1),
		answerUp:  make(chan struct{}, 1),
		errs:      make(chan error, 16),
	}
	toAnswerer := make(chan types.SignalData, 64)
	toOfferer := make(chan types.SignalData, 64)
	stop := make(chan struct{})
	forward := func(ch chan types.SignalData) func(types.SignalData) {
		return func(sig types.SignalData) {
			select {
			case ch <- sig:
			case <-stop:
			}
		}
	}
	notify := func(ch chan struct{}) func() {
		return func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}

	p.offerer, err = factory.NewConn(ConnConfig{
		RemoteID:  "student",
		Initiator: true,
		Events: Events{
			OnSignal:    forward(toAnswerer),
			OnConnected: notify(p.offererUp),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.offerer.Close() })

	p.answerer, err = factory.NewConn(ConnConfig{
		RemoteID: "teacher",
		Events: Events{
			OnSignal:    forward(toOfferer),
			OnConnected: notify(p.answerUp),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.answerer.Close() })

	relay := func(in chan types.SignalData, to Conn) {
		for {
			select {
			case sig := <-in:
				if err := to.Signal(sig); err != nil {
					select {
					case p.errs <- err:
					default:
					}
				}
			case <-stop:
				return
			}
		}
	}
	go relay(toAnswerer, p.answerer)
	go relay(toOfferer, p.offerer)
	t.Cleanup(func() { close(stop) })
	return p
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPion_OfferAnswerConnects(t *testing.T) {
	p := newPionPair(t)

	require.NoError(t, p.offerer.Start())

	waitFor(t, p.offererUp, "offerer connected")
	waitFor(t, p.answerUp, "answerer connected")
	select {
	case err := <-p.errs:
		t.Fatalf("signal rejected: %v", err)
	default:
	}

	_, ok := p.offerer.Stats()
	assert.False(t, ok, "no inbound video without media")
}

func TestPion_CandidatesBeforeDescriptionAreBuffered(t *testing.T) {
	factory, err := NewPionFactory(PionOptions{}, nil)
	require.NoError(t, err)
	conn, err := factory.NewConn(ConnConfig{RemoteID: "u2"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	err = conn.Signal(types.SignalData{
		Type:      types.SignalICECandidate,
		Candidate: &types.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"},
	})
	require.NoError(t, err)
	assert.Len(t, conn.(*pionConn).pending, 1)
}

func TestPion_RejectsOutOfOrderSignals(t *testing.T) {
	factory, err := NewPionFactory(PionOptions{}, nil)
	require.NoError(t, err)
	conn, err := factory.NewConn(ConnConfig{RemoteID: "u2", Initiator: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.ErrorIs(t, conn.Signal(types.SignalData{Type: types.SignalAnswer, SDP: "v=0"}), ErrUnexpectedAnswer)

	require.NoError(t, conn.Start())
	assert.ErrorIs(t, conn.Signal(types.SignalData{Type: types.SignalOffer, SDP: "v=0"}), ErrUnexpectedOffer)
	assert.ErrorIs(t, conn.Signal(types.SignalData{Type: "renegotiate"}), ErrUnsupportedSignal)
}

func TestPion_ReplaceWithoutVideoSender(t *testing.T) {
	factory, err := NewPionFactory(PionOptions{}, nil)
	require.NoError(t, err)
	conn, err := factory.NewConn(ConnConfig{RemoteID: "u2"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	err = conn.ReplaceVideoTrack(nil)
	assert.ErrorIs(t, err, media.ErrReplaceUnsupported)
}
