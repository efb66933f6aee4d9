package monitor

import "strings"

// Key is one key press as reported by the platform.
type Key struct {
	Code  string
	Alt   bool
	Ctrl  bool
	Meta  bool
	Shift bool
}

// blocked reports whether k would leave or close the classroom view.
func (k Key) blocked() bool {
	code := strings.ToLower(k.Code)
	switch code {
	case "f11", "escape":
		return true
	case "tab", "f4":
		return k.Alt
	case "w", "t":
		return k.Ctrl || k.Meta
	}
	return false
}
