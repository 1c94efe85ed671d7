package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
	"github.com/quillvoice/quill-core/internal/audio/convert"
)

// ErrPipelineBusy indicates Start was called while a pass is running.
var ErrPipelineBusy = errors.New("transcription pipeline already running")

// ErrPipelineIdle indicates Stop was called with no pass running.
var ErrPipelineIdle = errors.New("transcription pipeline not running")

const (
	defaultStopTimeout   = 2 * time.Second
	defaultQueueCapacity = 64
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Target is the format the recognition engine expects; incoming buffers
	// in any other format are converted on the way in.
	Target audio.Format
	// StopTimeout bounds the wait for pending results during Stop, so a
	// hung engine cannot block the caller forever.
	StopTimeout time.Duration
	// QueueCapacity sizes the pipeline-owned input queue.
	QueueCapacity int
}

// Pipeline feeds converted audio to a recognition engine and reconciles its
// incremental results into a Transcript. Two concurrent flows share one
// engine instance: the feeder (single producer on the engine input) and the
// results consumer (single consumer on the engine output).
//
// The engine's analysis pass is only started once the first buffer has been
// enqueued — an explicit readiness signal, not a fixed startup delay — so it
// never races the feeder against an empty input.
type Pipeline struct {
	opts          PipelineOptions
	newRecognizer RecognizerFactory
	logger        *slog.Logger

	// OnUpdate, when set before Start, is invoked from the results flow
	// after every applied result.
	OnUpdate func(Snapshot)

	mu         sync.Mutex
	transcript *Transcript
	rec        Recognizer
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	paused     atomic.Bool
}

// NewPipeline builds a pipeline around a recognizer factory.
func NewPipeline(opts PipelineOptions, factory RecognizerFactory, logger *slog.Logger) *Pipeline {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	return &Pipeline{
		opts:          opts,
		newRecognizer: factory,
		logger:        logger.With(slog.String("component", "transcription-pipeline")),
		transcript:    NewTranscript(),
	}
}

// Start spawns the feeder and results flows over the given buffer stream.
// It fails with ErrEngineUnavailable when the engine's assets are not ready.
func (p *Pipeline) Start(parent context.Context, buffers <-chan audio.Buffer, source audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPipelineBusy
	}

	rec, err := p.newRecognizer()
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	if avail := rec.Availability(); avail != Available {
		_ = rec.Close()
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, avail)
	}

	var bridge *convert.Converter
	if !source.Equal(p.opts.Target) {
		bridge, err = convert.New(source, p.opts.Target)
		if err != nil {
			_ = rec.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(parent)

	// The engine input queue is owned by the pipeline; nothing outside the
	// feeder writes to it and nothing outside the driver reads it.
	inputQ := make(chan audio.Buffer, p.opts.QueueCapacity)
	firstFed := make(chan struct{})
	fedAny := &atomic.Bool{}
	done := make(chan struct{})

	p.transcript.Reset()
	p.rec = rec
	p.cancel = cancel
	p.done = done
	p.running = true

	// Feeder flow: convert and enqueue, signalling after the first buffer.
	go func() {
		defer close(inputQ)
		first := true
		for buf := range buffers {
			if bridge != nil {
				converted, err := bridge.Convert(buf)
				if err != nil {
					p.logger.Warn("buffer conversion failed, dropping buffer",
						slog.String("error", err.Error()))
					continue
				}
				buf = converted
			}
			select {
			case inputQ <- buf:
				if first {
					first = false
					fedAny.Store(true)
					close(firstFed)
				}
			case <-ctx.Done():
				return
			}
		}
		if first {
			// Stream ended before any buffer arrived; release the driver.
			close(firstFed)
		}
	}()

	// Driver flow: hold the engine back until the first buffer is queued,
	// then pump the queue and signal end-of-input.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-firstFed:
		}
		if !fedAny.Load() {
			// Nothing to analyze; shut the engine down so the results
			// channel closes.
			_ = rec.Close()
			return
		}
		if err := rec.Start(ctx, p.opts.Target); err != nil {
			p.logger.Error("recognizer start failed", slog.String("error", err.Error()))
			_ = rec.Close()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case buf, ok := <-inputQ:
				if !ok {
					rec.Finish()
					return
				}
				if err := rec.Feed(buf); err != nil {
					p.logger.Warn("recognizer rejected buffer, dropping",
						slog.String("error", err.Error()))
				}
			}
		}
	}()

	// Results flow: the single consumer of the engine output.
	go func() {
		defer close(done)
		for res := range rec.Results() {
			p.transcript.Apply(res)
			if p.OnUpdate != nil {
				p.OnUpdate(p.transcript.Snapshot())
			}
		}
	}()

	return nil
}

// Stop waits for the pipeline to drain under the stop timeout and returns
// the normalized finalized transcript. The caller must have closed the
// buffer stream (stopping capture does so) before calling Stop. On timeout
// the accumulated text is returned together with ErrFinalizationTimeout.
func (p *Pipeline) Stop(ctx context.Context) (string, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrPipelineIdle
	}
	done := p.done
	cancel := p.cancel
	p.mu.Unlock()

	var stopErr error
	select {
	case <-done:
	case <-time.After(p.opts.StopTimeout):
		stopErr = ErrFinalizationTimeout
		cancel()
	case <-ctx.Done():
		stopErr = ctx.Err()
		cancel()
	}

	p.mu.Lock()
	text := p.transcript.FinalText()
	p.teardownLocked()
	p.mu.Unlock()

	if stopErr != nil {
		p.logger.Warn("transcription stop incomplete", slog.String("error", stopErr.Error()))
	}
	return text, stopErr
}

// Reset cancels both flows, clears the transcript, and invalidates the
// engine instance; the next Start builds a fresh one.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.transcript.Reset()
	p.teardownLocked()
}

func (p *Pipeline) teardownLocked() {
	if p.rec != nil {
		_ = p.rec.Close()
		p.rec = nil
	}
	p.cancel = nil
	p.done = nil
	p.running = false
	p.paused.Store(false)
}

// SetPaused mirrors the capture-level pause so gaps in the buffer stream are
// expected rather than treated as trouble. Audio suspension itself happens
// in the capture engine.
func (p *Pipeline) SetPaused(paused bool) { p.paused.Store(paused) }

// Paused reports the mirrored pause flag.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Running reports whether a pass is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Transcript exposes the reconciler for observation.
func (p *Pipeline) Transcript() *Transcript { return p.transcript }
