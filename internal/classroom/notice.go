package classroom

import "time"

// Level is a toast severity.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a user-facing toast.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

const (
	msgJoined           = "Joined the classroom."
	msgConnectFailed    = "Unable to connect to the classroom. Please check your connection and try again."
	msgMediaFailed      = "Unable to access your camera or microphone."
	msgConnectionLost   = "Connection to the classroom was lost."
	msgMutedByTeacher   = "The teacher has muted all students."
	msgBroadcastStarted = "You are now broadcasting to the class."
	msgBroadcastStopped = "Your broadcast has ended."
)
