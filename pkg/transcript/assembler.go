package transcript

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
	"kaiwa-server/pkg/stt"
)

var lineBreaks = regexp.MustCompile(`[\r\n]+`)

// Utterance is one entry in the assembled conversation log. Interim entries
// are placeholders that are replaced or removed as hypotheses are revised;
// final entries are immutable except for coalescing and annotations.
type Utterance struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Pinned    bool      `json:"pinned"`
	PinNote   string    `json:"pin_note,omitempty"`
	Important bool      `json:"important"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sink receives committed (final) utterances. fragment is the newly added
// normalized text, which differs from u.Text when the final was coalesced
// into an earlier utterance. qualifies reports whether the fragment meets
// the minimum length for downstream analysis.
type Sink func(u Utterance, fragment string, qualifies bool)

// Assembler builds a speaker-attributed conversation log from channel
// events: one interim placeholder per speaker, unconditional placeholder
// removal on every event, and coalescing of consecutive same-speaker finals.
type Assembler struct {
	logger        *logrus.Logger
	minFinalChars int

	mu      sync.RWMutex
	entries []*Utterance
	balance map[string]int
	sinks   []Sink
}

// NewAssembler creates an assembler. minFinalChars is the exclusive
// threshold below which a final does not qualify for analysis.
func NewAssembler(logger *logrus.Logger, minFinalChars int) *Assembler {
	return &Assembler{
		logger:        logger,
		minFinalChars: minFinalChars,
		balance:       make(map[string]int),
	}
}

// AddSink registers a committed-utterance sink. Not safe to call after
// events start flowing.
func (a *Assembler) AddSink(sink Sink) {
	a.sinks = append(a.sinks, sink)
}

// Apply ingests one transcript event. Interims replace the speaker's
// previous placeholder; finals commit in arrival order and coalesce with
// the immediately preceding utterance when it is a final from the same
// speaker.
func (a *Assembler) Apply(event stt.TranscriptEvent) {
	text := Normalize(event.Text)
	if text == "" {
		return
	}

	speaker := event.Speaker
	now := event.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()

	// The previous hypothesis for this speaker is stale either way:
	// a new interim replaces it, a final supersedes it.
	a.removeInterimLocked(speaker)

	if !event.IsFinal {
		a.entries = append(a.entries, &Utterance{
			ID:        uuid.New().String(),
			Speaker:   speaker,
			Text:      text,
			IsFinal:   false,
			Timestamp: now,
			UpdatedAt: now,
		})
		a.mu.Unlock()
		return
	}

	var committed Utterance
	coalesced := false

	if last := a.lastEntryLocked(); last != nil && last.IsFinal && last.Speaker == speaker {
		last.Text += " " + text
		last.UpdatedAt = now
		committed = *last
		coalesced = true
	} else {
		entry := &Utterance{
			ID:        uuid.New().String(),
			Speaker:   speaker,
			Text:      text,
			IsFinal:   true,
			Timestamp: now,
			UpdatedAt: now,
		}
		a.entries = append(a.entries, entry)
		committed = *entry
	}

	a.balance[speaker] += len([]rune(text))
	sinks := a.sinks
	a.mu.Unlock()

	qualifies := len([]rune(text)) > a.minFinalChars

	metrics.RecordUtteranceCommitted(speaker, coalesced)

	a.logger.WithFields(logrus.Fields{
		"speaker":   speaker,
		"text":      text,
		"coalesced": coalesced,
		"qualifies": qualifies,
	}).Debug("Committed utterance")

	for _, sink := range sinks {
		sink(committed, text, qualifies)
	}
}

// Normalize collapses line breaks into spaces and trims surrounding
// whitespace.
func Normalize(text string) string {
	return strings.TrimSpace(lineBreaks.ReplaceAllString(text, " "))
}

// removeInterimLocked drops the speaker's interim placeholder if present
func (a *Assembler) removeInterimLocked(speaker string) {
	for i, entry := range a.entries {
		if !entry.IsFinal && entry.Speaker == speaker {
			a.entries = append(a.entries[:i], a.entries[i+1:]...)
			return
		}
	}
}

func (a *Assembler) lastEntryLocked() *Utterance {
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

// Snapshot returns a copy of the current log in order
func (a *Assembler) Snapshot() []Utterance {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Utterance, len(a.entries))
	for i, entry := range a.entries {
		out[i] = *entry
	}
	return out
}

// Balance returns cumulative committed character counts per speaker
func (a *Assembler) Balance() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]int, len(a.balance))
	for speaker, chars := range a.balance {
		out[speaker] = chars
	}
	return out
}

// Pin marks a final utterance as pinned with an optional note
func (a *Assembler) Pin(id, note string) error {
	return a.update(id, func(u *Utterance) {
		u.Pinned = true
		u.PinNote = note
	})
}

// Unpin clears the pin on an utterance
func (a *Assembler) Unpin(id string) error {
	return a.update(id, func(u *Utterance) {
		u.Pinned = false
		u.PinNote = ""
	})
}

// MarkImportant flags or unflags an utterance as important
func (a *Assembler) MarkImportant(id string, important bool) error {
	return a.update(id, func(u *Utterance) {
		u.Important = important
	})
}

func (a *Assembler) update(id string, apply func(*Utterance)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range a.entries {
		if entry.ID == id {
			apply(entry)
			entry.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.ErrNotFound
}
