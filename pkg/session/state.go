package session

import (
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	// StatusIdle means no capture is running
	StatusIdle Status = "idle"
	// StatusConnecting means sources are being acquired and channels opened
	StatusConnecting Status = "connecting"
	// StatusRecording means audio is flowing and transcripts are assembling
	StatusRecording Status = "recording"
	// StatusEnded means the session finished and produced its reflection
	StatusEnded Status = "ended"
)

// ChannelInfo describes one streaming channel inside a session state snapshot.
type ChannelInfo struct {
	State      string `json:"state"`
	Reconnects int    `json:"reconnects"`
	Required   bool   `json:"required"`
}

// State is a point-in-time snapshot of a session for status reporting.
type State struct {
	ID        string                 `json:"id"`
	Status    Status                 `json:"status"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	Channels  map[string]ChannelInfo `json:"channels,omitempty"`
}
