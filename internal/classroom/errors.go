package classroom

import "errors"

var (
	ErrCannotJoin         = errors.New("cannot join the classroom")
	ErrAlreadyJoined      = errors.New("already joined")
	ErrNotJoined          = errors.New("not in a session")
	ErrSessionEnded       = errors.New("orchestrator already left its session")
	ErrNotPermitted       = errors.New("action not permitted for this role")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNoMedia            = errors.New("no local media")
	ErrInvalidIdentity    = errors.New("invalid identity")
)
