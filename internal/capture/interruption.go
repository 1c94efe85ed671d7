package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// InterruptionEvent signals that another audio consumer took or released
// priority over the input device.
type InterruptionEvent struct {
	Began        bool
	ShouldResume bool
}

// InterruptionCoordinator pauses capture while an external interruption is
// active and optionally resumes it afterwards. It never tears down session
// state: an interruption that ends without shouldResume leaves the session
// paused for the caller to resume explicitly.
type InterruptionCoordinator struct {
	engine      *Engine
	events      <-chan InterruptionEvent
	logger      *slog.Logger
	interrupted atomic.Bool
}

// NewInterruptionCoordinator wires a coordinator to an engine and an event
// stream.
func NewInterruptionCoordinator(engine *Engine, events <-chan InterruptionEvent, logger *slog.Logger) *InterruptionCoordinator {
	return &InterruptionCoordinator{
		engine: engine,
		events: events,
		logger: logger.With(slog.String("component", "interruption-coordinator")),
	}
}

// Interrupted reports whether an interruption is currently active.
func (c *InterruptionCoordinator) Interrupted() bool { return c.interrupted.Load() }

// Run consumes events until ctx is done or the event channel closes.
func (c *InterruptionCoordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.Began {
				c.begin()
			} else {
				c.end(ev.ShouldResume)
			}
		}
	}
}

func (c *InterruptionCoordinator) begin() {
	c.interrupted.Store(true)
	err := c.engine.Pause()
	switch {
	case err == nil:
		c.logger.Info("interruption began, capture paused")
	case errors.Is(err, ErrCannotPause):
		// Already paused or idle; nothing to do.
	default:
		c.logger.Warn("failed to pause for interruption", slog.String("error", err.Error()))
	}
}

func (c *InterruptionCoordinator) end(shouldResume bool) {
	c.interrupted.Store(false)
	if !shouldResume {
		c.logger.Info("interruption ended, awaiting manual resume")
		return
	}
	if err := c.engine.Resume(); err != nil {
		// Leave the recording paused for a manual resume.
		c.logger.Warn("failed to resume after interruption, recording stays paused",
			slog.String("error", err.Error()))
		return
	}
	c.logger.Info("interruption ended, capture resumed")
}
