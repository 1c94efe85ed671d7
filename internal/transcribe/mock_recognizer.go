package transcribe

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillvoice/quill-core/internal/audio"
)

// MockRecognizer is a stand-in engine for development and tests. It emits a
// volatile update after every fed buffer and a single final segment on
// Finish, summarizing how much audio it saw.
type MockRecognizer struct {
	mu       sync.Mutex
	started  bool
	frames   int
	results  chan Result
	finished bool
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{results: make(chan Result, 16)}
}

func (m *MockRecognizer) Availability() Availability { return Available }

func (m *MockRecognizer) Start(_ context.Context, format audio.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("recognizer already started")
	}
	if format.Degenerate() {
		return fmt.Errorf("recognizer format %s is unusable", format)
	}
	m.started = true
	return nil
}

func (m *MockRecognizer) Feed(buf audio.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("recognizer not started")
	}
	m.frames += buf.Frames()
	select {
	case m.results <- Result{Text: fmt.Sprintf("[hearing %d frames]", m.frames)}:
	default:
	}
	return nil
}

func (m *MockRecognizer) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	m.finished = true
	if m.started && m.frames > 0 {
		m.results <- Result{Text: fmt.Sprintf("mock transcript over %d frames", m.frames), Final: true}
	}
	close(m.results)
}

func (m *MockRecognizer) Results() <-chan Result { return m.results }

func (m *MockRecognizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished {
		m.finished = true
		close(m.results)
	}
	return nil
}
