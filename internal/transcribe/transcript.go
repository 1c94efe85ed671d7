package transcribe

import (
	"strings"
	"sync"
)

// Snapshot is a consistent read of the transcript at one point in time.
type Snapshot struct {
	Finalized string
	Volatile  string
	Display   string
}

// Transcript reconciles incremental recognition results into one display
// transcript. Finalized segments are append-only and immutable once added;
// the volatile hypothesis is replaced wholesale on every non-final update.
type Transcript struct {
	mu        sync.Mutex
	finalized []string
	volatile  string
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Apply folds one result in. Final results append (space-joined, empty
// segments skipped) and clear the volatile text; non-final results replace
// the volatile text.
func (t *Transcript) Apply(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res.Final {
		if seg := strings.TrimSpace(res.Text); seg != "" {
			t.finalized = append(t.finalized, seg)
		}
		t.volatile = ""
		return
	}
	t.volatile = res.Text
}

// Snapshot returns the current finalized/volatile/display triple.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	fin := strings.Join(t.finalized, " ")
	display := fin
	if strings.TrimSpace(t.volatile) != "" {
		display = strings.TrimSpace(fin + " " + t.volatile)
	} else {
		display = strings.TrimSpace(fin)
	}
	return Snapshot{Finalized: fin, Volatile: t.volatile, Display: display}
}

// DisplayText derives the user-facing transcript:
// trim(finalized + " " + volatile) when a volatile hypothesis exists,
// otherwise trim(finalized).
func (t *Transcript) DisplayText() string {
	return t.Snapshot().Display
}

// FinalText returns the finalized transcript normalized: runs of whitespace
// collapsed to single spaces, leading/trailing whitespace trimmed. The
// volatile hypothesis is excluded.
func (t *Transcript) FinalText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(strings.Fields(strings.Join(t.finalized, " ")), " ")
}

// Reset clears all state for the next session.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.finalized = nil
	t.volatile = ""
	t.mu.Unlock()
}
