package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SettleDelay = time.Millisecond
	opts.Flush = FlushPolicy{Interval: time.Millisecond, StableReads: 2, MaxAttempts: 10}
	return opts
}

func sequenceFactory(sources ...Source) SourceFactory {
	i := 0
	return func() (Source, error) {
		if i >= len(sources) {
			return nil, errors.New("no more devices")
		}
		s := sources[i]
		i++
		return s, nil
	}
}

func monoFormat(rate float64) audio.Format {
	return audio.Format{SampleRate: rate, Channels: 1, Encoding: audio.EncodingFloat32, Interleaved: true}
}

func TestStartRecordStop(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())
	path := filepath.Join(t.TempDir(), "take.wav")

	out, err := engine.Start(path)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if engine.State() != StateRecording {
		t.Fatalf("expected recording state, got %s", engine.State())
	}

	for i := 0; i < 10; i++ {
		if !src.Emit(make([]float32, 320)) {
			t.Fatalf("emit %d not delivered", i)
		}
	}

	rec, err := engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if engine.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", engine.State())
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("output file is empty")
	}
	if rec.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", rec.Duration)
	}

	// All ten buffers must have crossed the channel in session format.
	count := 0
	for buf := range out {
		if !buf.Format.Equal(monoFormat(16000)) {
			t.Fatalf("buffer not in session format: %s", buf.Format)
		}
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 buffers downstream, got %d", count)
	}
}

func TestStartRollsBackOnStreamFailure(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	src.FailStart(errors.New("device busy"))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())
	path := filepath.Join(t.TempDir(), "take.wav")

	if _, err := engine.Start(path); err == nil {
		t.Fatal("expected start failure")
	}
	if engine.State() != StateIdle {
		t.Fatalf("failed start must leave engine idle, got %s", engine.State())
	}
	if !src.Closed() {
		t.Fatal("source binding leaked after failed start")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("partial output file leaked: %v", err)
	}
}

func TestStartRejectsDegenerateFormat(t *testing.T) {
	src := NewMockSource("ghost", audio.Format{SampleRate: 0, Channels: 0})
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())

	_, err := engine.Start(filepath.Join(t.TempDir(), "take.wav"))
	if !errors.Is(err, ErrHardwareNotReady) {
		t.Fatalf("expected ErrHardwareNotReady, got %v", err)
	}
	if !src.Closed() {
		t.Fatal("degenerate source not released")
	}
}

func TestPauseResumeDuration(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	engine.clock = func() time.Time { return now }

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}

	now = now.Add(2 * time.Second)
	before := engine.Duration()

	if err := engine.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if src.Started() {
		t.Fatal("pause must stop buffer production")
	}

	// A long wall-clock gap while paused must not count.
	now = now.Add(45 * time.Minute)
	if err := engine.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := engine.Duration(); got != before {
		t.Fatalf("pause+resume changed duration: before=%v after=%v", before, got)
	}

	now = now.Add(time.Second)
	rec, err := engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.Duration != 3*time.Second {
		t.Fatalf("expected 3s recorded duration, got %v", rec.Duration)
	}
}

func TestPauseResumeStateErrors(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())

	if err := engine.Pause(); !errors.Is(err, ErrCannotPause) {
		t.Fatalf("expected ErrCannotPause when idle, got %v", err)
	}
	if err := engine.Resume(); !errors.Is(err, ErrCannotResume) {
		t.Fatalf("expected ErrCannotResume when idle, got %v", err)
	}
	if _, err := engine.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := engine.Cancel(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Resume(); !errors.Is(err, ErrCannotResume) {
		t.Fatalf("expected ErrCannotResume while recording, got %v", err)
	}
	if err := engine.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := engine.Pause(); !errors.Is(err, ErrCannotPause) {
		t.Fatalf("expected ErrCannotPause while paused, got %v", err)
	}
}

func TestCancelDiscardsFile(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())
	path := filepath.Join(t.TempDir(), "take.wav")

	if _, err := engine.Start(path); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Emit(make([]float32, 320))

	if err := engine.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cancel left output file behind: %v", err)
	}
	if engine.State() != StateIdle {
		t.Fatalf("expected idle after cancel, got %s", engine.State())
	}
}

func TestHotSwapKeepsStreamContinuous(t *testing.T) {
	internal := NewMockSource("builtin-mic", monoFormat(48000))
	headset := NewMockSource("bt-headset", audio.Format{SampleRate: 44100, Channels: 2, Encoding: audio.EncodingFloat32, Interleaved: true})
	engine := NewEngine(testOptions(), sequenceFactory(internal, headset), newTestLogger())
	path := filepath.Join(t.TempDir(), "take.wav")

	out, err := engine.Start(path)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		internal.Emit(make([]float32, 960))
	}

	if err := engine.SwapDevice(context.Background()); err != nil {
		t.Fatalf("hot-swap: %v", err)
	}
	if internal.Started() || !internal.Closed() {
		t.Fatal("old binding must be stopped and released before the new one runs")
	}
	if !headset.Started() {
		t.Fatal("new binding not started")
	}
	if engine.Device() != "bt-headset" {
		t.Fatalf("device not updated: %s", engine.Device())
	}
	if !engine.SessionFormat().Equal(monoFormat(48000)) {
		t.Fatal("session format must stay locked across a hot-swap")
	}

	for i := 0; i < 3; i++ {
		headset.Emit(make([]float32, 882*2))
	}

	rec, err := engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Exactly one continuous output file, and every buffer crossed the
	// channel in the locked session format.
	if _, err := os.Stat(rec.Path); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	count := 0
	for buf := range out {
		if !buf.Format.Equal(monoFormat(48000)) {
			t.Fatalf("buffer escaped in hardware format %s", buf.Format)
		}
		count++
	}
	if count != 6 {
		t.Fatalf("expected 6 buffers across the swap boundary, got %d", count)
	}
}

func TestHotSwapDegenerateFormatStallsSession(t *testing.T) {
	internal := NewMockSource("builtin-mic", monoFormat(48000))
	ghost := NewMockSource("ghost", audio.Format{})
	engine := NewEngine(testOptions(), sequenceFactory(internal, ghost), newTestLogger())

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := engine.SwapDevice(context.Background())
	if !errors.Is(err, ErrHardwareNotReady) {
		t.Fatalf("expected ErrHardwareNotReady, got %v", err)
	}
	if !engine.Stalled() {
		t.Fatal("failed swap must leave the session stalled")
	}
	// The session stays alive: stop still finalizes the file.
	if _, err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("stop after stalled swap: %v", err)
	}
}

func TestLevelMeterSeesBuffers(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	opts := testOptions()
	opts.MeterInterval = time.Nanosecond
	engine := NewEngine(opts, sequenceFactory(src), newTestLogger())

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}
	loud := make([]float32, 1600)
	for i := range loud {
		loud[i] = 0.8
	}
	src.Emit(loud)

	if lvl := engine.Level(); lvl.RMS == 0 {
		t.Fatal("meter did not register the buffer")
	}
	if !engine.Level().VoiceDetected {
		t.Fatal("sustained loud input should trip voice detection")
	}
}
