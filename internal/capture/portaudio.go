package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/quillvoice/quill-core/internal/audio"
)

// portAudioSource binds the default PortAudio input device. One binding per
// session segment: route-change handling discards the binding and asks the
// factory for a new one so the true current device format is read.
type portAudioSource struct {
	device *portaudio.DeviceInfo
	format audio.Format
	frames int

	mu      sync.Mutex
	stream  *portaudio.Stream
	fn      BufferFunc
	started bool
}

// NewPortAudioFactory initializes PortAudio once and returns a factory that
// binds the current default input device. framesPerBuffer controls callback
// granularity; non-positive selects ~20 ms blocks.
func NewPortAudioFactory(framesPerBuffer int) (SourceFactory, func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	factory := func() (Source, error) {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		channels := dev.MaxInputChannels
		if channels > 2 {
			channels = 2
		}
		frames := framesPerBuffer
		if frames <= 0 {
			frames = int(dev.DefaultSampleRate / 50)
		}
		return &portAudioSource{
			device: dev,
			frames: frames,
			format: audio.Format{
				SampleRate:  dev.DefaultSampleRate,
				Channels:    channels,
				Encoding:    audio.EncodingFloat32,
				Interleaved: true,
			},
		}, nil
	}
	return factory, portaudio.Terminate, nil
}

func (s *portAudioSource) Format() audio.Format { return s.format }

func (s *portAudioSource) DeviceName() string { return s.device.Name }

func (s *portAudioSource) Start(fn BufferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.fn = fn

	if s.stream == nil {
		params := portaudio.LowLatencyParameters(s.device, nil)
		params.Input.Channels = s.format.Channels
		params.SampleRate = s.format.SampleRate
		params.FramesPerBuffer = s.frames
		stream, err := portaudio.OpenStream(params, s.callback)
		if err != nil {
			return fmt.Errorf("open input stream: %w", err)
		}
		s.stream = stream
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	s.started = true
	return nil
}

// callback runs on the PortAudio audio thread.
func (s *portAudioSource) callback(in []float32) {
	s.mu.Lock()
	fn := s.fn
	started := s.started
	s.mu.Unlock()
	if started && fn != nil {
		fn(in, time.Now())
	}
}

func (s *portAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop input stream: %w", err)
	}
	return nil
}

func (s *portAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			return fmt.Errorf("close input stream: %w", err)
		}
		s.stream = nil
	}
	return nil
}

// DeviceWatcher polls the default input device identity and emits a
// RouteChangeEvent whenever it changes. PortAudio has no change notification,
// so polling stands in for the platform's device-change signal.
type DeviceWatcher struct {
	interval time.Duration
	current  func() (string, error)
	logger   *slog.Logger
	events   chan RouteChangeEvent
}

// NewDeviceWatcher builds a watcher around a device-identity probe. A
// non-positive interval selects 500 ms.
func NewDeviceWatcher(interval time.Duration, probe func() (string, error), logger *slog.Logger) *DeviceWatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DeviceWatcher{
		interval: interval,
		current:  probe,
		logger:   logger.With(slog.String("component", "device-watcher")),
		events:   make(chan RouteChangeEvent, 8),
	}
}

// PortAudioDeviceProbe reports the current default input device name.
func PortAudioDeviceProbe() (string, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return "", err
	}
	return dev.Name, nil
}

// Events returns the route-change stream.
func (w *DeviceWatcher) Events() <-chan RouteChangeEvent { return w.events }

// Run polls until ctx is done, then closes the event channel.
func (w *DeviceWatcher) Run(ctx context.Context) {
	defer close(w.events)

	last, err := w.current()
	if err != nil {
		w.logger.Warn("initial device probe failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name, err := w.current()
			if err != nil {
				w.logger.Warn("device probe failed", slog.String("error", err.Error()))
				continue
			}
			if name != last && name != "" {
				ev := RouteChangeEvent{OldDevice: last, NewDevice: name}
				select {
				case w.events <- ev:
				default:
					w.logger.Warn("route change event dropped, consumer lagging")
				}
				last = name
			}
		}
	}
}
