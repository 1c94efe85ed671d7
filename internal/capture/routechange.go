package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultRouteDebounce = 180 * time.Millisecond

// RouteChangeCoordinator watches device-change events and performs a
// debounced hot-swap of the engine's hardware binding. Rapid device flapping
// (a wireless headset reconnecting) collapses into a single swap.
//
// Swap failures never propagate to the caller: they are logged, surfaced via
// Stalled, and the session is left waiting for the next route change. Live
// capture availability is preferred over failing the whole session; the file
// already on disk remains transcribable after the fact.
type RouteChangeCoordinator struct {
	engine   *Engine
	events   <-chan RouteChangeEvent
	debounce time.Duration
	logger   *slog.Logger
	swaps    atomic.Uint64
	failed   atomic.Uint64

	// OnSwap, when set before Run, is invoked after every settled swap
	// attempt with its outcome. err is nil on success.
	OnSwap func(ev RouteChangeEvent, err error)
}

// NewRouteChangeCoordinator wires a coordinator to an engine and an event
// stream. A non-positive debounce selects the default.
func NewRouteChangeCoordinator(engine *Engine, events <-chan RouteChangeEvent, debounce time.Duration, logger *slog.Logger) *RouteChangeCoordinator {
	if debounce <= 0 {
		debounce = defaultRouteDebounce
	}
	return &RouteChangeCoordinator{
		engine:   engine,
		events:   events,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "route-coordinator")),
	}
}

// Run consumes events until ctx is done or the event channel closes. It is
// intended to run as its own goroutine for the lifetime of the service.
func (c *RouteChangeCoordinator) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending RouteChangeEvent
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			pending = ev
			if timer == nil {
				timer = time.NewTimer(c.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.debounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			c.swap(ctx, pending)
		}
	}
}

func (c *RouteChangeCoordinator) swap(ctx context.Context, ev RouteChangeEvent) {
	state := c.engine.State()
	if state != StateRecording && state != StatePaused {
		return
	}
	c.logger.Info("route change settled, swapping device",
		slog.String("old_device", ev.OldDevice),
		slog.String("new_device", ev.NewDevice))

	err := c.engine.SwapDevice(ctx)
	if err != nil {
		c.failed.Add(1)
		c.logger.Error("hot-swap failed, session stalled until next route change",
			slog.String("error", err.Error()))
	} else {
		c.swaps.Add(1)
	}
	if c.OnSwap != nil {
		c.OnSwap(ev, err)
	}
}

// Swaps returns the count of completed hot-swaps.
func (c *RouteChangeCoordinator) Swaps() uint64 { return c.swaps.Load() }

// Failed returns the count of failed hot-swap attempts.
func (c *RouteChangeCoordinator) Failed() uint64 { return c.failed.Load() }
