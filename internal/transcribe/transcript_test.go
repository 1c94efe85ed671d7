package transcribe

import (
	"strings"
	"testing"
)

func TestTranscriptVolatileReplacedWholesale(t *testing.T) {
	tr := NewTranscript()

	tr.Apply(Result{Text: "hel"})
	tr.Apply(Result{Text: "hello wor"})
	tr.Apply(Result{Text: "hello world"})

	snap := tr.Snapshot()
	if snap.Finalized != "" {
		t.Fatalf("expected no finalized text, got %q", snap.Finalized)
	}
	if snap.Volatile != "hello world" {
		t.Fatalf("expected latest hypothesis only, got %q", snap.Volatile)
	}
	if snap.Display != "hello world" {
		t.Fatalf("unexpected display text %q", snap.Display)
	}
}

func TestTranscriptFinalAppendsAndClearsVolatile(t *testing.T) {
	tr := NewTranscript()

	tr.Apply(Result{Text: "hello wor"})
	tr.Apply(Result{Text: "hello world", Final: true})

	snap := tr.Snapshot()
	if snap.Finalized != "hello world" {
		t.Fatalf("expected finalized segment, got %q", snap.Finalized)
	}
	if snap.Volatile != "" {
		t.Fatalf("volatile should be cleared after a final result, got %q", snap.Volatile)
	}

	tr.Apply(Result{Text: "how ar"})
	if got := tr.DisplayText(); got != "hello world how ar" {
		t.Fatalf("unexpected display text %q", got)
	}

	tr.Apply(Result{Text: "how are you", Final: true})
	if got := tr.FinalText(); got != "hello world how are you" {
		t.Fatalf("unexpected final text %q", got)
	}
}

func TestTranscriptFinalizedNeverShrinks(t *testing.T) {
	tr := NewTranscript()

	results := []Result{
		{Text: "one"},
		{Text: "one", Final: true},
		{Text: "tw"},
		{Text: "two", Final: true},
		{Text: "thr"},
		{Text: ""},
		{Text: "three", Final: true},
	}

	prev := ""
	for _, res := range results {
		tr.Apply(res)
		fin := tr.Snapshot().Finalized
		if !strings.HasPrefix(fin, prev) {
			t.Fatalf("finalized text regressed: %q does not extend %q", fin, prev)
		}
		prev = fin
	}
	if prev != "one two three" {
		t.Fatalf("unexpected finalized text %q", prev)
	}
}

func TestTranscriptSkipsEmptyFinalSegments(t *testing.T) {
	tr := NewTranscript()

	tr.Apply(Result{Text: "first", Final: true})
	tr.Apply(Result{Text: "   ", Final: true})
	tr.Apply(Result{Text: "second", Final: true})

	if got := tr.FinalText(); got != "first second" {
		t.Fatalf("unexpected final text %q", got)
	}
}

func TestTranscriptFinalTextCollapsesWhitespace(t *testing.T) {
	tr := NewTranscript()

	tr.Apply(Result{Text: "  hello\tthere ", Final: true})
	tr.Apply(Result{Text: "again\n now", Final: true})

	if got := tr.FinalText(); got != "hello there again now" {
		t.Fatalf("unexpected final text %q", got)
	}
}

func TestTranscriptReset(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(Result{Text: "done", Final: true})
	tr.Apply(Result{Text: "pending"})

	tr.Reset()

	snap := tr.Snapshot()
	if snap.Finalized != "" || snap.Volatile != "" || snap.Display != "" {
		t.Fatalf("expected empty transcript after reset, got %+v", snap)
	}
}
