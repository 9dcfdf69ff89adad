package stt

import (
	"context"
	"time"

	"kaiwa-server/pkg/audio"
)

// ChannelState is the lifecycle state of a streaming channel.
// Closing means the close was requested locally; the distinction matters
// because only unexpected closes are surfaced for reconnection.
type ChannelState int32

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCodeSessionNotFound is the WebSocket close code a backend sends when
// the referenced session no longer exists. It is terminal: no reconnect.
const CloseCodeSessionNotFound = 4004

// WordInfo is per-word detail attached to a transcript event
type WordInfo struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    *int    `json:"speaker,omitempty"`
}

// TranscriptEvent is one hypothesis or finalized segment from a channel
type TranscriptEvent struct {
	ChannelID  string
	Text       string
	IsFinal    bool
	Speaker    string
	Confidence float64
	Words      []WordInfo
	ReceivedAt time.Time
}

// EventCallback receives transcript events from a channel
type EventCallback func(event TranscriptEvent)

// ClosedCallback is invoked exactly once when a channel leaves the open
// state. intentional is true when the close was locally requested.
type ClosedCallback func(channelID string, code int, err error, intentional bool)

// Channel is a full-duplex streaming transcription connection. Send on a
// channel that is not open logs and drops the chunk. Callbacks must be
// registered before Open.
type Channel interface {
	ID() string
	OnEvent(callback EventCallback)
	OnClosed(callback ClosedCallback)
	Open(ctx context.Context) error
	Send(chunk audio.Chunk)
	Close()
	State() ChannelState
}
