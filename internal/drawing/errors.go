package drawing

import "errors"

var (
	ErrStrokeInProgress = errors.New("a stroke is already in progress")
	ErrInvalidTool      = errors.New("unknown drawing tool")
	ErrInvalidColor     = errors.New("color must be a hex color")
	ErrInvalidWidth     = errors.New("stroke width must be between 0 and 100")
	ErrInvalidPage      = errors.New("page numbers start at 1")
)
