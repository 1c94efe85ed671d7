package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
)

// MockSource is a scripted hardware binding driven by Emit. Tests and the
// mock capture backend use it in place of a real device.
type MockSource struct {
	format audio.Format
	name   string

	mu       sync.Mutex
	fn       BufferFunc
	started  bool
	closed   bool
	startErr error
}

// NewMockSource returns a source reporting the given device name and format.
func NewMockSource(name string, format audio.Format) *MockSource {
	return &MockSource{format: format, name: name}
}

// FailStart makes the next Start return err.
func (s *MockSource) FailStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

func (s *MockSource) Format() audio.Format { return s.format }

func (s *MockSource) DeviceName() string { return s.name }

func (s *MockSource) Start(fn BufferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock source closed")
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.fn = fn
	s.started = true
	return nil
}

func (s *MockSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	s.started = false
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Started reports whether the source is currently delivering.
func (s *MockSource) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether the binding has been released.
func (s *MockSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers one block through the installed callback. It reports whether
// the block was delivered.
func (s *MockSource) Emit(samples []float32) bool {
	s.mu.Lock()
	fn := s.fn
	started := s.started
	s.mu.Unlock()
	if !started || fn == nil {
		return false
	}
	fn(samples, time.Now())
	return true
}

// silenceSource self-drives silent buffers on a ticker. It backs the daemon's
// mock capture backend so the full pipeline can run without hardware.
type silenceSource struct {
	*MockSource
	block    time.Duration
	stopTick chan struct{}
	wg       sync.WaitGroup
}

// NewSilenceFactory returns a SourceFactory producing self-driving silent
// sources in the given format, one block every blockInterval.
func NewSilenceFactory(format audio.Format, blockInterval time.Duration) SourceFactory {
	if blockInterval <= 0 {
		blockInterval = 100 * time.Millisecond
	}
	return func() (Source, error) {
		return &silenceSource{
			MockSource: NewMockSource("mock-input", format),
			block:      blockInterval,
		}, nil
	}
}

func (s *silenceSource) Start(fn BufferFunc) error {
	if err := s.MockSource.Start(fn); err != nil {
		return err
	}
	s.stopTick = make(chan struct{})
	frames := int(s.format.SampleRate * s.block.Seconds())
	samples := make([]float32, frames*s.format.Channels)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.block)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopTick:
				return
			case <-ticker.C:
				s.Emit(samples)
			}
		}
	}()
	return nil
}

func (s *silenceSource) Stop() error {
	if s.stopTick != nil {
		close(s.stopTick)
		s.wg.Wait()
		s.stopTick = nil
	}
	return s.MockSource.Stop()
}

func (s *silenceSource) Close() error {
	_ = s.Stop()
	return s.MockSource.Close()
}
