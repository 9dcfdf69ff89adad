package analysis

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"kaiwa-server/pkg/metrics"
)

// Entry is one finalized utterance in the conversation window.
type Entry struct {
	Time    time.Time `json:"time"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
}

// Window is a fixed-capacity FIFO over recent qualifying utterances.
// When full, appending evicts the oldest entry.
type Window struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
}

// NewWindow creates a window holding at most capacity entries
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 30
	}
	return &Window{capacity: capacity}
}

// Append adds an entry, evicting the oldest when the window is full
func (w *Window) Append(entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) >= w.capacity {
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, entry)

	metrics.SetAnalysisWindowSize(len(w.entries))
}

// Len returns the current number of entries
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Snapshot returns a copy of the entries in arrival order
func (w *Window) Snapshot() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Reset clears the window
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = nil
	metrics.SetAnalysisWindowSize(0)
}

// Serialize renders entries as one "HH:MM:SS [label]: text" line each,
// joined with newlines. This is the transcript form sent for analysis.
func Serialize(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s [%s]: %s",
			entry.Time.Format("15:04:05"), entry.Speaker, entry.Text))
	}
	return strings.Join(lines, "\n")
}
