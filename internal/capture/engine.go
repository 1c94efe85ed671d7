package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
	"github.com/quillvoice/quill-core/internal/audio/convert"
)

// State is the externally observable capture state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an Engine.
type Options struct {
	// ChannelCapacity bounds the downstream buffer channel. The callback
	// pushes non-blockingly; a full channel drops the buffer.
	ChannelCapacity int
	// MeterInterval throttles level readings.
	MeterInterval time.Duration
	// VoiceThreshold is the normalized RMS level treated as speech.
	VoiceThreshold float64
	// Flush is the finalization size-stabilization policy.
	Flush FlushPolicy
	// SettleDelay is the wait after a route change before rebinding, giving
	// device renegotiation (wireless codec handshakes) time to complete.
	SettleDelay time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		ChannelCapacity: 64,
		Flush:           DefaultFlushPolicy(),
		SettleDelay:     250 * time.Millisecond,
	}
}

// Recording is the result of a finished session.
type Recording struct {
	Path     string
	Size     int64
	Duration time.Duration
	Format   audio.Format
	Device   string
}

// tap is the immutable bundle of state touched by the real-time callback.
// A hot-swap builds a fresh tap and publishes it atomically; the callback
// never takes the engine mutex.
type tap struct {
	hwFormat  audio.Format
	converter *convert.Converter
	sink      *WAVSink
	out       chan audio.Buffer
	meter     *audio.Meter
	dropped   *atomic.Uint64
	logger    *slog.Logger
}

// onBuffer runs on the real-time audio thread. It performs exactly three
// steps: file write, non-blocking channel push, throttled meter update.
// Per-buffer failures are logged and drop that buffer only.
func (t *tap) onBuffer(samples []float32, captured time.Time) {
	buf := audio.Buffer{Format: t.hwFormat, Samples: samples, Timestamp: captured}.Clone()

	deliver := true
	if t.converter != nil {
		converted, err := t.converter.Convert(buf)
		if err != nil {
			t.logger.Warn("buffer conversion failed, dropping buffer", slog.String("error", err.Error()))
			deliver = false
		} else {
			buf = converted
		}
	}
	if deliver {
		if err := t.sink.Write(buf); err != nil {
			t.logger.Warn("sink write failed, dropping buffer", slog.String("error", err.Error()))
			deliver = false
		}
	}
	if deliver {
		select {
		case t.out <- buf:
		default:
			t.dropped.Add(1)
		}
	}
	t.meter.Process(samples)
}

// Engine owns the hardware input stream for one session at a time: it locks
// the session format at start, persists every buffer to a WAV sink, feeds the
// downstream channel, and tracks pause bookkeeping. Route-change hot-swaps
// replace the hardware binding without touching the sink, the channel, or
// anything downstream.
type Engine struct {
	opts      Options
	logger    *slog.Logger
	newSource SourceFactory
	meter     *audio.Meter
	dropped   atomic.Uint64
	clock     func() time.Time

	mu             sync.Mutex
	state          State
	source         Source
	originalFormat audio.Format
	hwFormat       audio.Format
	sink           *WAVSink
	out            chan audio.Buffer
	startedAt      time.Time
	pausedTotal    time.Duration
	pauseStartedAt time.Time
	stalled        bool
	device         string

	tap atomic.Pointer[tap]
}

// NewEngine builds an engine around a source factory.
func NewEngine(opts Options, factory SourceFactory, logger *slog.Logger) *Engine {
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = DefaultOptions().ChannelCapacity
	}
	if opts.Flush.Interval <= 0 {
		opts.Flush = DefaultFlushPolicy()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultOptions().SettleDelay
	}
	return &Engine{
		opts:      opts,
		logger:    logger.With(slog.String("component", "capture-engine")),
		newSource: factory,
		meter:     audio.NewMeter(opts.MeterInterval, opts.VoiceThreshold),
		clock:     time.Now,
	}
}

// Start binds the current input device, locks the session format, opens the
// WAV sink at path, and begins streaming. On any mid-setup failure all
// partial side effects are rolled back before the error surfaces.
func (e *Engine) Start(path string) (<-chan audio.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil, ErrAlreadyRecording
	}

	src, err := e.newSource()
	if err != nil {
		return nil, fmt.Errorf("bind input device: %w", err)
	}
	format := src.Format()
	if format.Degenerate() {
		_ = src.Close()
		return nil, fmt.Errorf("device %q reported %s: %w", src.DeviceName(), format, ErrHardwareNotReady)
	}

	sink, err := NewWAVSink(path, format)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	out := make(chan audio.Buffer, e.opts.ChannelCapacity)
	t := &tap{
		hwFormat: format,
		sink:     sink,
		out:      out,
		meter:    e.meter,
		dropped:  &e.dropped,
		logger:   e.logger,
	}
	e.tap.Store(t)

	if err := src.Start(t.onBuffer); err != nil {
		e.tap.Store(nil)
		_ = sink.Discard()
		_ = src.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	e.source = src
	e.originalFormat = format
	e.hwFormat = format
	e.sink = sink
	e.out = out
	e.device = src.DeviceName()
	e.startedAt = e.clock()
	e.pausedTotal = 0
	e.pauseStartedAt = time.Time{}
	e.stalled = false
	e.dropped.Store(0)
	e.meter.Reset()
	e.state = StateRecording

	e.logger.Info("capture started",
		slog.String("device", e.device),
		slog.String("format", format.String()),
		slog.String("path", path))
	return out, nil
}

// Stop halts the stream, finalizes the sink with the flush policy, and
// returns the recording. Duration excludes accumulated paused time.
func (e *Engine) Stop(ctx context.Context) (Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return Recording{}, ErrNoActiveSession
	}
	e.state = StateStopping
	e.foldPauseLocked()
	e.teardownSourceLocked()
	close(e.out)

	size, stableSize, err := e.sink.Finalize(ctx, e.opts.Flush)
	if err != nil {
		e.logger.Warn("sink finalize interrupted", slog.String("error", err.Error()))
	} else if !stableSize {
		// Soft failure: proceed with the last observed size.
		e.logger.Warn("output file size never stabilized", slog.Int64("last_size", size))
	}

	rec := Recording{
		Path:     e.sink.Path(),
		Size:     size,
		Duration: e.clock().Sub(e.startedAt) - e.pausedTotal,
		Format:   e.originalFormat,
		Device:   e.device,
	}
	e.resetLocked()
	e.logger.Info("capture stopped",
		slog.String("path", rec.Path),
		slog.Int64("size", rec.Size),
		slog.Duration("duration", rec.Duration))
	return rec, nil
}

// Cancel tears down like Stop but discards the output file.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return ErrNoActiveSession
	}
	e.state = StateStopping
	e.teardownSourceLocked()
	close(e.out)
	if err := e.sink.Discard(); err != nil {
		e.logger.Warn("failed to discard recording", slog.String("error", err.Error()))
	}
	e.resetLocked()
	e.logger.Info("capture cancelled")
	return nil
}

// Pause stops buffer production and starts the paused-time clock.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return ErrCannotPause
	}
	if e.source != nil {
		if err := e.source.Stop(); err != nil {
			return fmt.Errorf("pause input stream: %w", err)
		}
	}
	e.pauseStartedAt = e.clock()
	e.state = StatePaused
	e.logger.Info("capture paused")
	return nil
}

// Resume restarts buffer production and accumulates the paused duration.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return ErrCannotResume
	}
	if e.source != nil {
		if err := e.source.Start(e.tap.Load().onBuffer); err != nil {
			return fmt.Errorf("resume input stream: %w", err)
		}
	}
	e.foldPauseLocked()
	e.state = StateRecording
	e.logger.Info("capture resumed")
	return nil
}

// SwapDevice performs the route-change hot-swap: stop and release the old
// binding, wait for device renegotiation to settle, acquire a fresh binding,
// rebuild the format bridge, and restart the stream. The sink, the
// downstream channel, and everything past them stay untouched.
func (e *Engine) SwapDevice(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return ErrNoActiveSession
	}

	// The old stream must be observably stopped before a new one is
	// installed; two callbacks must never race on the same sink.
	e.teardownSourceLocked()

	select {
	case <-ctx.Done():
		e.stalled = true
		return ctx.Err()
	case <-time.After(e.opts.SettleDelay):
	}

	// A stopped-then-restarted binding can report a stale cached format, so
	// always read the true format from a fresh instance.
	src, err := e.newSource()
	if err != nil {
		e.stalled = true
		return fmt.Errorf("rebind input device: %w", err)
	}
	format := src.Format()
	if format.Degenerate() {
		_ = src.Close()
		e.stalled = true
		return fmt.Errorf("device %q reported %s after route change: %w", src.DeviceName(), format, ErrHardwareNotReady)
	}

	old := e.tap.Load()
	var bridge *convert.Converter
	if !format.Equal(e.originalFormat) {
		bridge, err = convert.New(format, e.originalFormat)
		if err != nil {
			_ = src.Close()
			e.stalled = true
			return err
		}
	}

	t := &tap{
		hwFormat:  format,
		converter: bridge,
		sink:      old.sink,
		out:       old.out,
		meter:     old.meter,
		dropped:   old.dropped,
		logger:    old.logger,
	}
	e.tap.Store(t)

	if e.state == StateRecording {
		if err := src.Start(t.onBuffer); err != nil {
			_ = src.Close()
			e.stalled = true
			return fmt.Errorf("restart input stream: %w", err)
		}
	}

	oldDevice := e.device
	e.source = src
	e.hwFormat = format
	e.device = src.DeviceName()
	e.stalled = false
	e.logger.Info("input device hot-swapped",
		slog.String("old_device", oldDevice),
		slog.String("new_device", e.device),
		slog.String("hardware_format", format.String()),
		slog.Bool("bridged", bridge != nil))
	return nil
}

// State returns the externally observable state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stalled reports whether a failed hot-swap left the session without a
// working device, pending a future route change.
func (e *Engine) Stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}

// Level returns the throttled input level reading.
func (e *Engine) Level() audio.LevelReading { return e.meter.Level() }

// Dropped returns the count of buffers dropped by the non-blocking push.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Duration returns elapsed recording time excluding paused time.
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		return 0
	}
	d := e.clock().Sub(e.startedAt) - e.pausedTotal
	if !e.pauseStartedAt.IsZero() {
		d -= e.clock().Sub(e.pauseStartedAt)
	}
	return d
}

// Device returns the currently bound device name.
func (e *Engine) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// SessionFormat returns the format locked at start.
func (e *Engine) SessionFormat() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originalFormat
}

func (e *Engine) foldPauseLocked() {
	if !e.pauseStartedAt.IsZero() {
		e.pausedTotal += e.clock().Sub(e.pauseStartedAt)
		e.pauseStartedAt = time.Time{}
	}
}

func (e *Engine) teardownSourceLocked() {
	if e.source == nil {
		return
	}
	if err := e.source.Stop(); err != nil {
		e.logger.Warn("input stream stop failed", slog.String("error", err.Error()))
	}
	if err := e.source.Close(); err != nil {
		e.logger.Warn("input binding close failed", slog.String("error", err.Error()))
	}
	e.source = nil
}

func (e *Engine) resetLocked() {
	e.tap.Store(nil)
	e.sink = nil
	e.out = nil
	e.state = StateIdle
	e.stalled = false
}
