package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
	"github.com/quillvoice/quill-core/internal/bus"
	"github.com/quillvoice/quill-core/internal/capture"
	"github.com/quillvoice/quill-core/internal/config"
	"github.com/quillvoice/quill-core/internal/eventstore"
	"github.com/quillvoice/quill-core/internal/natsserver"
	"github.com/quillvoice/quill-core/internal/session"
	"github.com/quillvoice/quill-core/internal/transcribe"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *eventstore.Store
	sessions   *session.Service
	watcher    *capture.DeviceWatcher

	audioShutdown func() error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("POST /v1/recordings", r.handleStart)
	mux.HandleFunc("POST /v1/recordings/stop", r.handleStop)
	mux.HandleFunc("POST /v1/recordings/pause", r.handlePause)
	mux.HandleFunc("POST /v1/recordings/resume", r.handleResume)
	mux.HandleFunc("POST /v1/recordings/cancel", r.handleCancel)
	mux.HandleFunc("GET /v1/recordings/current", r.handleStatus)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.natsServer = ns

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open recording store: %w", err)
	}
	r.store = store

	sourceFactory, routeEvents, err := r.buildCaptureBackend(ctx)
	if err != nil {
		return err
	}

	svc, err := session.NewService(ctx, r.cfg, session.Deps{
		Bus:           busClient,
		Store:         store,
		SourceFactory: sourceFactory,
		Recognizer:    r.buildRecognizerFactory(),
		RouteEvents:   routeEvents,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("start session service: %w", err)
	}
	r.sessions = svc
	return nil
}

func (r *Runtime) buildCaptureBackend(ctx context.Context) (capture.SourceFactory, <-chan capture.RouteChangeEvent, error) {
	if r.cfg.Capture.Backend == "mock" {
		format := audio.Format{
			SampleRate:  float64(r.cfg.Recognizer.SampleRate),
			Channels:    r.cfg.Recognizer.Channels,
			Encoding:    audio.EncodingFloat32,
			Interleaved: true,
		}
		if format.Degenerate() {
			format = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingFloat32, Interleaved: true}
		}
		block := time.Duration(r.cfg.Capture.BlockDurationMS) * time.Millisecond
		return capture.NewSilenceFactory(format, block), nil, nil
	}

	factory, shutdown, err := capture.NewPortAudioFactory(0)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize audio backend: %w", err)
	}
	r.audioShutdown = shutdown

	poll := time.Duration(r.cfg.Capture.RoutePollMS) * time.Millisecond
	r.watcher = capture.NewDeviceWatcher(poll, capture.PortAudioDeviceProbe, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watcher.Run(ctx)
	}()
	return factory, r.watcher.Events(), nil
}

func (r *Runtime) buildRecognizerFactory() transcribe.RecognizerFactory {
	if !r.cfg.Recognizer.Enabled {
		return nil
	}
	if r.cfg.Recognizer.Mode == "exec" {
		opts := transcribe.ExecOptions{
			Command:      r.cfg.Recognizer.Command,
			ModelPath:    r.cfg.Recognizer.ModelPath,
			Language:     r.cfg.Recognizer.Language,
			EmitPartials: r.cfg.Recognizer.EmitPartials,
			PartialEvery: time.Duration(r.cfg.Recognizer.PartialEveryMS) * time.Millisecond,
		}
		return func() (transcribe.Recognizer, error) {
			return transcribe.NewExecRecognizer(opts)
		}
	}
	return func() (transcribe.Recognizer, error) {
		return transcribe.NewMockRecognizer(), nil
	}
}

func (r *Runtime) stopServices() {
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.audioShutdown != nil {
		if err := r.audioShutdown(); err != nil {
			r.logger.Warn("audio backend shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.sessions != nil && !r.sessions.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("capture stalled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	id, err := r.sessions.Start(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recording_id": id})
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	summary, err := r.sessions.Stop(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recording_id": summary.ID,
		"wav_path":     summary.WAVPath,
		"size_bytes":   summary.SizeBytes,
		"duration_ms":  summary.Duration.Milliseconds(),
		"transcript":   summary.Transcript,
		"device":       summary.Device,
		"stable":       summary.Stable,
	})
}

func (r *Runtime) handlePause(w http.ResponseWriter, req *http.Request) {
	if err := r.sessions.Pause(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": r.sessions.Engine().State().String()})
}

func (r *Runtime) handleResume(w http.ResponseWriter, req *http.Request) {
	if err := r.sessions.Resume(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": r.sessions.Engine().State().String()})
}

func (r *Runtime) handleCancel(w http.ResponseWriter, req *http.Request) {
	if err := r.sessions.Cancel(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	id := r.sessions.Active()
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"state": "idle"})
		return
	}
	engine := r.sessions.Engine()
	level := engine.Level()
	writeJSON(w, http.StatusOK, map[string]any{
		"recording_id":   id,
		"state":          engine.State().String(),
		"device":         engine.Device(),
		"format":         engine.SessionFormat().String(),
		"duration_ms":    engine.Duration().Milliseconds(),
		"stalled":        engine.Stalled(),
		"dropped":        engine.Dropped(),
		"rms":            level.RMS,
		"peak":           level.Peak,
		"voice_detected": level.VoiceDetected,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrHardwareNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
