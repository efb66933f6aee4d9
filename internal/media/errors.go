package media

import "errors"

var (
	ErrAcquisitionFailed  = errors.New("media acquisition failed at every tier")
	ErrNoTracksRequested  = errors.New("neither audio nor video requested")
	ErrReplaceUnsupported = errors.New("sink cannot replace its video track")
	ErrLowestTier         = errors.New("already at the lowest quality tier")
	ErrNotAcquired        = errors.New("no media stream held")
	ErrUnknownTier        = errors.New("unknown quality tier")
)
