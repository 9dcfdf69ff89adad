package stt

import "fmt"

// SpeakerResolver maps a transcript result to a speaker tag. The assembler
// keys interim replacement and coalescing on the resolved tag, so resolvers
// must be deterministic for a given input.
type SpeakerResolver interface {
	Resolve(words []WordInfo) string
}

// StaticResolver tags every event with a fixed speaker. Used when each
// conversation party has its own capture channel (microphone = self,
// loopback = other).
type StaticResolver struct {
	Tag string
}

// Resolve returns the fixed tag
func (r StaticResolver) Resolve([]WordInfo) string {
	return r.Tag
}

// DiarizationResolver derives the speaker tag from the diarization index of
// the first attributed word. Used when one channel carries multiple parties.
type DiarizationResolver struct {
	// Prefix is prepended to the diarization index; defaults to "speaker_"
	Prefix string

	// Fallback is used when no word carries a speaker index
	Fallback string
}

// Resolve returns "<prefix><index>" for the first word with a speaker
// index, or the fallback tag
func (r DiarizationResolver) Resolve(words []WordInfo) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "speaker_"
	}
	for _, w := range words {
		if w.Speaker != nil {
			return fmt.Sprintf("%s%d", prefix, *w.Speaker)
		}
	}
	if r.Fallback != "" {
		return r.Fallback
	}
	return prefix + "unknown"
}
