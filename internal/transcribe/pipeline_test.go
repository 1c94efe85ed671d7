package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingFloat32, Interleaved: true}

func newPipelineLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// scriptedRecognizer records lifecycle ordering and plays back canned
// results as buffers are fed.
type scriptedRecognizer struct {
	mu              sync.Mutex
	starts          int
	fed             int
	results         chan Result
	script          []Result
	closed          bool
	holdOpen        bool
	availability    Availability
	startBeforeFeed bool
}

func newScriptedRecognizer(script []Result) *scriptedRecognizer {
	return &scriptedRecognizer{
		results:      make(chan Result, 32),
		script:       script,
		availability: Available,
	}
}

func (s *scriptedRecognizer) Availability() Availability { return s.availability }

func (s *scriptedRecognizer) Start(context.Context, audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.startBeforeFeed = s.fed == 0
	return nil
}

func (s *scriptedRecognizer) Feed(audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fed++
	if len(s.script) > 1 {
		s.results <- s.script[0]
		s.script = s.script[1:]
	}
	return nil
}

func (s *scriptedRecognizer) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range s.script {
		s.results <- res
	}
	s.script = nil
	if !s.holdOpen && !s.closed {
		s.closed = true
		close(s.results)
	}
}

func (s *scriptedRecognizer) Results() <-chan Result { return s.results }

func (s *scriptedRecognizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func feedBuffers(ch chan<- audio.Buffer, n int) {
	for range n {
		ch <- audio.Buffer{Format: testFormat, Samples: make([]float32, 160), Timestamp: time.Now()}
	}
}

func TestPipelineFeedsAndReconciles(t *testing.T) {
	rec := newScriptedRecognizer([]Result{
		{Text: "hel"},
		{Text: "hello wor"},
		{Text: "hello world", Final: true},
	})
	p := NewPipeline(PipelineOptions{Target: testFormat, StopTimeout: time.Second},
		func() (Recognizer, error) { return rec, nil }, newPipelineLogger())

	var updates int
	var lastDisplay string
	var updMu sync.Mutex
	p.OnUpdate = func(snap Snapshot) {
		updMu.Lock()
		updates++
		lastDisplay = snap.Display
		updMu.Unlock()
	}

	buffers := make(chan audio.Buffer, 8)
	if err := p.Start(context.Background(), buffers, testFormat); err != nil {
		t.Fatalf("start: %v", err)
	}

	feedBuffers(buffers, 3)
	close(buffers)

	text, err := p.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.startBeforeFeed {
		t.Fatal("engine must start before the first buffer is fed")
	}
	if rec.fed != 3 {
		t.Fatalf("expected 3 fed buffers, got %d", rec.fed)
	}

	updMu.Lock()
	defer updMu.Unlock()
	if updates == 0 {
		t.Fatal("expected at least one transcript update callback")
	}
	if lastDisplay != "hello world" {
		t.Fatalf("unexpected last display %q", lastDisplay)
	}
}

func TestPipelineSkipsEngineWhenStreamEmpty(t *testing.T) {
	rec := newScriptedRecognizer(nil)
	p := NewPipeline(PipelineOptions{Target: testFormat, StopTimeout: time.Second},
		func() (Recognizer, error) { return rec, nil }, newPipelineLogger())

	buffers := make(chan audio.Buffer)
	if err := p.Start(context.Background(), buffers, testFormat); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(buffers)

	text, err := p.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.starts != 0 {
		t.Fatal("engine must not start when no audio was captured")
	}
}

func TestPipelineStopTimeoutReturnsAccumulatedText(t *testing.T) {
	rec := newScriptedRecognizer([]Result{
		{Text: "partial answer"},
		{Text: "partial answer done", Final: true},
	})
	rec.holdOpen = true // engine never signals completion
	p := NewPipeline(PipelineOptions{Target: testFormat, StopTimeout: 50 * time.Millisecond},
		func() (Recognizer, error) { return rec, nil }, newPipelineLogger())

	buffers := make(chan audio.Buffer, 8)
	if err := p.Start(context.Background(), buffers, testFormat); err != nil {
		t.Fatalf("start: %v", err)
	}
	feedBuffers(buffers, 2)
	close(buffers)

	// Give the results flow a moment to drain the scripted output.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Transcript().FinalText() != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	text, err := p.Stop(context.Background())
	if !errors.Is(err, ErrFinalizationTimeout) {
		t.Fatalf("expected finalization timeout, got %v", err)
	}
	if text != "partial answer done" {
		t.Fatalf("expected accumulated text despite timeout, got %q", text)
	}
	if p.Running() {
		t.Fatal("pipeline should be torn down after stop")
	}
}

func TestPipelineRejectsUnavailableEngine(t *testing.T) {
	rec := newScriptedRecognizer(nil)
	rec.availability = ModelDownloading
	p := NewPipeline(PipelineOptions{Target: testFormat},
		func() (Recognizer, error) { return rec, nil }, newPipelineLogger())

	buffers := make(chan audio.Buffer)
	err := p.Start(context.Background(), buffers, testFormat)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
	if p.Running() {
		t.Fatal("pipeline must not run with an unavailable engine")
	}
}

func TestPipelineConvertsForeignFormats(t *testing.T) {
	rec := newScriptedRecognizer([]Result{{Text: "ok", Final: true}, {Text: "ok", Final: true}})
	p := NewPipeline(PipelineOptions{Target: testFormat, StopTimeout: time.Second},
		func() (Recognizer, error) { return rec, nil }, newPipelineLogger())

	source := audio.Format{SampleRate: 48000, Channels: 2, Encoding: audio.EncodingFloat32, Interleaved: true}
	buffers := make(chan audio.Buffer, 4)
	if err := p.Start(context.Background(), buffers, source); err != nil {
		t.Fatalf("start: %v", err)
	}
	buffers <- audio.Buffer{Format: source, Samples: make([]float32, 960), Timestamp: time.Now()}
	close(buffers)

	if _, err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fed != 1 {
		t.Fatalf("expected 1 converted buffer, got %d", rec.fed)
	}
}

func TestPipelineStopWithoutStart(t *testing.T) {
	p := NewPipeline(PipelineOptions{Target: testFormat},
		func() (Recognizer, error) { return NewMockRecognizer(), nil }, newPipelineLogger())

	if _, err := p.Stop(context.Background()); !errors.Is(err, ErrPipelineIdle) {
		t.Fatalf("expected idle error, got %v", err)
	}
}

func TestMockRecognizerEmitsFinalOnFinish(t *testing.T) {
	m := NewMockRecognizer()
	if err := m.Start(context.Background(), testFormat); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Feed(audio.Buffer{Format: testFormat, Samples: make([]float32, 160)}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	m.Finish()

	var final bool
	for res := range m.Results() {
		if res.Final {
			final = true
		}
	}
	if !final {
		t.Fatal("expected a final result after finish")
	}
}
