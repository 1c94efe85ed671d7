package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quillvoice/quill-core/internal/audio"
	"github.com/quillvoice/quill-core/internal/bus"
	"github.com/quillvoice/quill-core/internal/capture"
	"github.com/quillvoice/quill-core/internal/config"
	"github.com/quillvoice/quill-core/internal/eventstore"
	"github.com/quillvoice/quill-core/internal/protocol"
	"github.com/quillvoice/quill-core/internal/transcribe"
)

// ErrNoActiveSession indicates a lifecycle call with no recording underway.
var ErrNoActiveSession = errors.New("no active recording session")

// ErrSessionActive indicates a start while a recording is already underway.
var ErrSessionActive = errors.New("a recording session is already active")

// Summary is what a finished session reports back to the caller.
type Summary struct {
	ID         string
	WAVPath    string
	SizeBytes  int64
	Duration   time.Duration
	Transcript string
	Device     string
	Stable     bool
}

// Service owns the recording session lifecycle: it binds the capture engine
// to the transcription pipeline, keeps the route-change and interruption
// coordinators running, and mirrors session activity onto the bus and into
// the recording ledger.
type Service struct {
	cfg    config.Config
	log    *slog.Logger
	bus    *bus.Client
	store  *eventstore.Store
	engine *capture.Engine

	newRecognizer transcribe.RecognizerFactory

	routeCoord *capture.RouteChangeCoordinator
	intrCoord  *capture.InterruptionCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pipeline *transcribe.Pipeline
	current  string
	drainWG  sync.WaitGroup

	meter          metric.Meter
	startedCount   metric.Int64Counter
	completedCount metric.Int64Counter
	swapGauge      metric.Int64ObservableGauge
	droppedGauge   metric.Int64ObservableGauge
}

// Deps carries the injectable collaborators for a Service.
type Deps struct {
	Bus           *bus.Client
	Store         *eventstore.Store
	SourceFactory capture.SourceFactory
	Recognizer    transcribe.RecognizerFactory
	RouteEvents   <-chan capture.RouteChangeEvent
	Interruptions <-chan capture.InterruptionEvent
}

func NewService(parent context.Context, cfg config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	if deps.SourceFactory == nil {
		return nil, errors.New("session service requires a capture source factory")
	}
	ctx, cancel := context.WithCancel(parent)

	logger := log.With(slog.String("component", "session-service"))
	engine := capture.NewEngine(engineOptions(cfg.Capture), deps.SourceFactory, log)

	s := &Service{
		cfg:           cfg,
		log:           logger,
		bus:           deps.Bus,
		store:         deps.Store,
		engine:        engine,
		newRecognizer: deps.Recognizer,
		ctx:           ctx,
		cancel:        cancel,
		meter:         otel.Meter("github.com/quillvoice/quill-core/runtime"),
	}

	if deps.RouteEvents != nil {
		debounce := time.Duration(cfg.Capture.RouteDebounceMS) * time.Millisecond
		s.routeCoord = capture.NewRouteChangeCoordinator(engine, deps.RouteEvents, debounce, log)
		s.routeCoord.OnSwap = s.onDeviceSwap
	}
	if deps.Interruptions != nil {
		s.intrCoord = capture.NewInterruptionCoordinator(engine, deps.Interruptions, log)
	}

	if err := s.initMetrics(); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if s.routeCoord != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.routeCoord.Run(ctx)
		}()
	}
	if s.intrCoord != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.intrCoord.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishLevels(ctx)
	}()

	return s, nil
}

func engineOptions(cfg config.CaptureConfig) capture.Options {
	opts := capture.DefaultOptions()
	if cfg.ChannelCapacity > 0 {
		opts.ChannelCapacity = cfg.ChannelCapacity
	}
	if cfg.MeterIntervalMS > 0 {
		opts.MeterInterval = time.Duration(cfg.MeterIntervalMS) * time.Millisecond
	}
	if cfg.VoiceRMSThreshold > 0 {
		opts.VoiceThreshold = cfg.VoiceRMSThreshold
	}
	if cfg.FlushIntervalMS > 0 {
		opts.Flush.Interval = time.Duration(cfg.FlushIntervalMS) * time.Millisecond
	}
	if cfg.FlushStableReads > 0 {
		opts.Flush.StableReads = cfg.FlushStableReads
	}
	if cfg.FlushMaxAttempts > 0 {
		opts.Flush.MaxAttempts = cfg.FlushMaxAttempts
	}
	return opts
}

// Close stops the coordinators and abandons any in-flight session.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	if s.current != "" {
		_ = s.engine.Cancel()
		if s.pipeline != nil {
			s.pipeline.Reset()
		}
		s.current = ""
	}
	s.mu.Unlock()
	s.drainWG.Wait()
	s.wg.Wait()
}

// Healthy reports whether the service can take or sustain a session.
func (s *Service) Healthy() bool {
	return !s.engine.Stalled()
}

// Start begins a new recording session and returns its ID. The recognition
// engine is checked up front so an unusable engine refuses the session
// instead of failing mid-way.
func (s *Service) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" {
		return "", ErrSessionActive
	}

	if err := os.MkdirAll(s.cfg.Session.RecordingsDir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(s.cfg.Session.RecordingsDir, id+".wav")

	buffers, err := s.engine.Start(path)
	if err != nil {
		return "", err
	}

	if s.transcriptionEnabled() {
		pipeline := transcribe.NewPipeline(transcribe.PipelineOptions{
			Target:      s.recognizerFormat(),
			StopTimeout: time.Duration(s.cfg.Session.StopTimeoutMS) * time.Millisecond,
		}, s.newRecognizer, s.log)
		pipeline.OnUpdate = func(snap transcribe.Snapshot) {
			s.publishTranscript(id, snap)
		}
		if err := pipeline.Start(s.ctx, buffers, s.engine.SessionFormat()); err != nil {
			_ = s.engine.Cancel()
			return "", err
		}
		s.pipeline = pipeline
	} else {
		// Nobody downstream; drain so the dropped counter stays honest.
		s.drainWG.Add(1)
		go func() {
			defer s.drainWG.Done()
			for range buffers {
			}
		}()
	}

	s.current = id

	if s.startedCount != nil {
		s.startedCount.Add(ctx, 1)
	}
	s.persistRecording(ctx, eventstore.Recording{
		ID:      id,
		Device:  s.engine.Device(),
		Format:  s.engine.SessionFormat().String(),
		WAVPath: path,
	})
	s.recordEvent(ctx, id, protocol.EventStarted, nil)
	s.publishEvent(protocol.SessionEvent{
		RecordingID: id,
		Type:        protocol.EventStarted,
		Device:      s.engine.Device(),
		Timestamp:   time.Now().UTC(),
	})
	s.log.Info("recording session started",
		slog.String("recording_id", id),
		slog.String("device", s.engine.Device()),
		slog.String("format", s.engine.SessionFormat().String()))
	return id, nil
}

// Stop finalizes the active session and returns its summary. A transcript
// finalization timeout is reported in the summary, not treated as failure:
// the WAV file and whatever text accumulated are still returned.
func (s *Service) Stop(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	id := s.current
	pipeline := s.pipeline
	s.mu.Unlock()

	if id == "" {
		return Summary{}, ErrNoActiveSession
	}

	rec, err := s.engine.Stop(ctx)
	if err != nil {
		return Summary{}, err
	}

	var transcript string
	if pipeline != nil {
		text, perr := pipeline.Stop(ctx)
		transcript = text
		if perr != nil && !errors.Is(perr, transcribe.ErrFinalizationTimeout) {
			s.log.Warn("transcription stop failed", slog.String("error", perr.Error()))
		}
	}

	summary := Summary{
		ID:         id,
		WAVPath:    rec.Path,
		SizeBytes:  rec.Size,
		Duration:   rec.Duration,
		Transcript: transcript,
		Device:     rec.Device,
		Stable:     rec.Size > 0,
	}

	s.mu.Lock()
	s.current = ""
	s.pipeline = nil
	s.mu.Unlock()

	if s.completedCount != nil {
		s.completedCount.Add(ctx, 1)
	}
	s.persistRecording(ctx, eventstore.Recording{
		ID:         id,
		Device:     rec.Device,
		Format:     rec.Format.String(),
		WAVPath:    rec.Path,
		SizeBytes:  rec.Size,
		DurationMS: rec.Duration.Milliseconds(),
		Transcript: transcript,
	})
	s.recordEvent(ctx, id, protocol.EventStopped, nil)
	s.publishEvent(protocol.SessionEvent{
		RecordingID: id,
		Type:        protocol.EventStopped,
		Device:      rec.Device,
		Timestamp:   time.Now().UTC(),
	})
	s.log.Info("recording session stopped",
		slog.String("recording_id", id),
		slog.Int64("size_bytes", rec.Size),
		slog.Duration("duration", rec.Duration))
	return summary, nil
}

// Cancel abandons the active session and removes its WAV file.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	id := s.current
	pipeline := s.pipeline
	s.current = ""
	s.pipeline = nil
	s.mu.Unlock()

	if id == "" {
		return ErrNoActiveSession
	}
	if pipeline != nil {
		pipeline.Reset()
	}
	err := s.engine.Cancel()
	s.recordEvent(ctx, id, protocol.EventCancelled, nil)
	s.publishEvent(protocol.SessionEvent{
		RecordingID: id,
		Type:        protocol.EventCancelled,
		Timestamp:   time.Now().UTC(),
	})
	return err
}

// Pause suspends capture without ending the session.
func (s *Service) Pause(ctx context.Context) error {
	s.mu.Lock()
	id := s.current
	pipeline := s.pipeline
	s.mu.Unlock()
	if id == "" {
		return ErrNoActiveSession
	}
	if err := s.engine.Pause(); err != nil {
		return err
	}
	if pipeline != nil {
		pipeline.SetPaused(true)
	}
	s.recordEvent(ctx, id, protocol.EventPaused, nil)
	s.publishEvent(protocol.SessionEvent{RecordingID: id, Type: protocol.EventPaused, Timestamp: time.Now().UTC()})
	return nil
}

// Resume continues a paused session.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	id := s.current
	pipeline := s.pipeline
	s.mu.Unlock()
	if id == "" {
		return ErrNoActiveSession
	}
	if err := s.engine.Resume(); err != nil {
		return err
	}
	if pipeline != nil {
		pipeline.SetPaused(false)
	}
	s.recordEvent(ctx, id, protocol.EventResumed, nil)
	s.publishEvent(protocol.SessionEvent{RecordingID: id, Type: protocol.EventResumed, Timestamp: time.Now().UTC()})
	return nil
}

// onDeviceSwap mirrors hot-swap outcomes onto the bus and the ledger. A
// failed swap is recorded as a stall, not an error: the session stays alive
// on the dead binding until the next route change.
func (s *Service) onDeviceSwap(ev capture.RouteChangeEvent, err error) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	if id == "" {
		return
	}

	eventType := protocol.EventDeviceSwapped
	detail := ""
	if err != nil {
		eventType = protocol.EventStalled
		detail = err.Error()
	}
	payload, _ := json.Marshal(map[string]string{
		"old_device": ev.OldDevice,
		"new_device": ev.NewDevice,
		"detail":     detail,
	})
	s.recordEvent(s.ctx, id, eventType, payload)
	s.publishEvent(protocol.SessionEvent{
		RecordingID: id,
		Type:        eventType,
		Device:      s.engine.Device(),
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

// Active returns the current recording ID, empty when idle.
func (s *Service) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Engine exposes the capture engine for observation endpoints.
func (s *Service) Engine() *capture.Engine { return s.engine }

func (s *Service) transcriptionEnabled() bool {
	return s.cfg.Recognizer.Enabled && s.newRecognizer != nil
}

func (s *Service) recognizerFormat() audio.Format {
	return audio.Format{
		SampleRate:  float64(s.cfg.Recognizer.SampleRate),
		Channels:    s.cfg.Recognizer.Channels,
		Encoding:    audio.EncodingFloat32,
		Interleaved: true,
	}
}

// publishLevels pushes throttled meter readings onto the bus while a
// session is live. The cadence follows the meter interval so subscribers
// never see more updates than the meter produces.
func (s *Service) publishLevels(ctx context.Context) {
	interval := time.Duration(s.cfg.Capture.MeterIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			id := s.current
			s.mu.Unlock()
			if id == "" || s.engine.State() != capture.StateRecording {
				continue
			}
			level := s.engine.Level()
			s.publish(protocol.SubjectLevelPrefix+"."+id, protocol.LevelUpdate{
				RecordingID:   id,
				RMS:           level.RMS,
				Peak:          level.Peak,
				VoiceDetected: level.VoiceDetected,
				Timestamp:     level.At,
			})
		}
	}
}

func (s *Service) publishTranscript(id string, snap transcribe.Snapshot) {
	s.publish(protocol.SubjectTranscriptUpdate, protocol.TranscriptUpdate{
		RecordingID: id,
		Finalized:   snap.Finalized,
		Volatile:    snap.Volatile,
		Display:     snap.Display,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Service) publishEvent(evt protocol.SessionEvent) {
	s.publish(protocol.SubjectSessionEvents, evt)
}

func (s *Service) publish(subject string, msg any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal bus message", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish bus message",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func (s *Service) persistRecording(ctx context.Context, rec eventstore.Recording) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendRecording(ctx, rec); err != nil {
		s.log.Warn("failed to persist recording", slog.String("error", err.Error()))
	}
}

func (s *Service) recordEvent(ctx context.Context, id, eventType string, payload []byte) {
	if s.store == nil {
		return
	}
	err := s.store.AppendEvent(ctx, eventstore.Event{RecordingID: id, Type: eventType, Payload: payload})
	if err != nil {
		s.log.Warn("failed to persist recording event", slog.String("error", err.Error()))
	}
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	started, err := s.meter.Int64Counter("quill.sessions.started",
		metric.WithDescription("Recording sessions started"))
	if err != nil {
		return err
	}
	completed, err := s.meter.Int64Counter("quill.sessions.completed",
		metric.WithDescription("Recording sessions stopped cleanly"))
	if err != nil {
		return err
	}
	swaps, err := s.meter.Int64ObservableGauge("quill.capture.device_swaps",
		metric.WithDescription("Device hot swaps performed"))
	if err != nil {
		return err
	}
	dropped, err := s.meter.Int64ObservableGauge("quill.capture.dropped_buffers",
		metric.WithDescription("Buffers dropped on the downstream channel"))
	if err != nil {
		return err
	}
	s.startedCount = started
	s.completedCount = completed
	s.swapGauge = swaps
	s.droppedGauge = dropped
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		if s.routeCoord != nil {
			obs.ObserveInt64(swaps, int64(s.routeCoord.Swaps()))
		}
		obs.ObserveInt64(dropped, int64(s.engine.Dropped()))
		return nil
	}, swaps, dropped)
	return err
}
