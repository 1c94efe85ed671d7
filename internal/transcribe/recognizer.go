package transcribe

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillvoice/quill-core/internal/audio"
)

// ErrEngineUnavailable indicates the recognition engine is not supported or
// not enabled on this device/config.
var ErrEngineUnavailable = errors.New("recognition engine unavailable")

// ErrFinalizationTimeout indicates stop's bounded wait for pending results
// expired. The accumulated transcript is still returned alongside it.
var ErrFinalizationTimeout = errors.New("transcription finalization timed out")

// Result is one incremental recognition output. Final results are immutable
// transcript segments; non-final results are volatile hypotheses replaced
// wholesale by the next update.
type Result struct {
	Text  string
	Final bool
}

// Availability is the engine's asset/model state. The pipeline queries it
// before starting and refuses to run against anything but Available.
type Availability int

const (
	Available Availability = iota
	NotEligible
	NotEnabled
	ModelDownloading
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case NotEligible:
		return "not_eligible"
	case NotEnabled:
		return "not_enabled"
	case ModelDownloading:
		return "model_downloading"
	default:
		return fmt.Sprintf("availability(%d)", int(a))
	}
}

// Recognizer abstracts a streaming speech-recognition backend. One instance
// serves one analysis pass: an instance that has completed a pass cannot be
// reused and must be recreated through its factory.
//
// The pipeline enforces strict single-producer/single-consumer discipline:
// only the feeder flow calls Feed/Finish, only the results flow reads
// Results.
type Recognizer interface {
	Availability() Availability
	// Start begins the analysis pass for input in the given format. The
	// pipeline only calls it after the first buffer is queued.
	Start(ctx context.Context, format audio.Format) error
	// Feed enqueues one buffer of session-format audio.
	Feed(buf audio.Buffer) error
	// Finish signals end-of-input. The engine emits any pending results and
	// then closes the Results channel.
	Finish()
	// Results streams incremental (text, final) outputs. Closed when the
	// pass completes or the recognizer is closed.
	Results() <-chan Result
	// Close aborts the pass and releases resources. Idempotent.
	Close() error
}

// RecognizerFactory yields a fresh recognizer per analysis pass.
type RecognizerFactory func() (Recognizer, error)
