package peer

import "errors"

var (
	ErrManagerClosed      = errors.New("peer manager has been torn down")
	ErrAlreadySampling    = errors.New("quality sampling already started")
	ErrNoConnection       = errors.New("no live connection for participant")
	ErrNegotiationTimeout = errors.New("peer negotiation timed out")
	ErrConnectionFailed   = errors.New("peer connection failed")
	ErrUnexpectedOffer    = errors.New("offer received on an established connection")
	ErrUnexpectedAnswer   = errors.New("answer received without a pending offer")
	ErrUnsupportedSignal  = errors.New("unsupported signal type")
)
