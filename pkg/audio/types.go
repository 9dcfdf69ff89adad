package audio

import "time"

// Well-known source labels used across the pipeline
const (
	SourceMicrophone = "microphone"
	SourceLoopback   = "loopback"
)

// Chunk is one fixed-duration slice of captured PCM audio
type Chunk struct {
	// Data is raw s16le mono PCM
	Data []byte

	// Source labels which capture source produced the chunk
	Source string

	// Seq is a monotonically increasing sequence number per source
	Seq uint64

	// Captured is when the chunk was emitted
	Captured time.Time
}

// Source is a live capture stream emitting fixed-size PCM chunks.
// Chunks is closed after Release returns; Release is idempotent.
type Source interface {
	Label() string
	Chunks() <-chan Chunk
	Release() error
}

// CaptureConfig describes one capture stream
type CaptureConfig struct {
	// DeviceID is the PulseAudio source name; empty means the default source
	DeviceID string

	// SampleRate in Hz; s16le mono is assumed
	SampleRate int

	// ChunkBytes is the emission size; SampleRate*interval*2 for s16 mono
	ChunkBytes int

	// MediaName is shown in PulseAudio stream listings
	MediaName string
}
