package peer

import "time"

// State is the lifecycle of one peer connection record.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Quality grades a connection from its inbound packet loss.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Stats are cumulative inbound video counters.
type Stats struct {
	PacketsLost     uint64
	PacketsReceived uint64
	BytesReceived   uint64
}

// Classify grades loss as lost/(lost+received): under 2% is excellent,
// under 5% good, anything else poor.
func (s Stats) Classify() Quality {
	if s.PacketsReceived == 0 {
		return QualityUnknown
	}
	loss := float64(s.PacketsLost) / float64(s.PacketsLost+s.PacketsReceived)
	switch {
	case loss < 0.02 && s.BytesReceived > 0:
		return QualityExcellent
	case loss < 0.05:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Info is a read-only view of one record.
type Info struct {
	ParticipantID string    `json:"participantId"`
	State         State     `json:"state"`
	Quality       Quality   `json:"quality"`
	Initiator     bool      `json:"initiator"`
	Failures      int       `json:"failures"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Summary counts records by state and quality.
type Summary struct {
	Total     int             `json:"total"`
	Connected int             `json:"connected"`
	Quality   map[Quality]int `json:"quality"`
}
