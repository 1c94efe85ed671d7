package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRouteChangeDebouncesFlapping(t *testing.T) {
	internal := NewMockSource("builtin-mic", monoFormat(48000))
	headset := NewMockSource("bt-headset", monoFormat(48000))
	engine := NewEngine(testOptions(), sequenceFactory(internal, headset), newTestLogger())

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := make(chan RouteChangeEvent, 8)
	coord := NewRouteChangeCoordinator(engine, events, 30*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	// Five rapid flaps must collapse into a single swap.
	for i := 0; i < 5; i++ {
		events <- RouteChangeEvent{OldDevice: "builtin-mic", NewDevice: "bt-headset"}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for coord.Swaps() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := coord.Swaps(); got != 1 {
		t.Fatalf("expected exactly 1 swap, got %d", got)
	}
	if engine.Device() != "bt-headset" {
		t.Fatalf("engine still on %s", engine.Device())
	}

	cancel()
	<-done
}

func TestRouteChangeIgnoredWhenIdle(t *testing.T) {
	engine := NewEngine(testOptions(), sequenceFactory(), newTestLogger())
	events := make(chan RouteChangeEvent, 1)
	coord := NewRouteChangeCoordinator(engine, events, 10*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	events <- RouteChangeEvent{OldDevice: "a", NewDevice: "b"}
	coord.Run(ctx)

	if coord.Swaps() != 0 || coord.Failed() != 0 {
		t.Fatalf("idle engine must not be swapped: swaps=%d failed=%d", coord.Swaps(), coord.Failed())
	}
}

func TestRouteChangeFailureIsObservableNotFatal(t *testing.T) {
	internal := NewMockSource("builtin-mic", monoFormat(48000))
	// Factory has no second device: the swap must fail.
	engine := NewEngine(testOptions(), sequenceFactory(internal), newTestLogger())

	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := make(chan RouteChangeEvent, 1)
	coord := NewRouteChangeCoordinator(engine, events, 10*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	events <- RouteChangeEvent{OldDevice: "builtin-mic", NewDevice: "vanished"}

	deadline := time.Now().Add(2 * time.Second)
	for coord.Failed() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if coord.Failed() != 1 {
		t.Fatal("swap failure not recorded")
	}
	if !engine.Stalled() {
		t.Fatal("engine should report stalled after failed swap")
	}
	// The session remains stoppable.
	if _, err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed swap: %v", err)
	}

	cancel()
	<-done
}

func TestInterruptionPausesAndResumes(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())
	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := make(chan InterruptionEvent)
	coord := NewInterruptionCoordinator(engine, events, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	events <- InterruptionEvent{Began: true}
	waitForState(t, engine, StatePaused)
	if !coord.Interrupted() {
		t.Fatal("interruption flag not set")
	}

	events <- InterruptionEvent{Began: false, ShouldResume: true}
	waitForState(t, engine, StateRecording)
	if coord.Interrupted() {
		t.Fatal("interruption flag not cleared")
	}

	cancel()
	<-done
}

func TestInterruptionWithoutResumeLeavesPaused(t *testing.T) {
	src := NewMockSource("builtin-mic", monoFormat(16000))
	engine := NewEngine(testOptions(), sequenceFactory(src), newTestLogger())
	if _, err := engine.Start(filepath.Join(t.TempDir(), "take.wav")); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := make(chan InterruptionEvent)
	coord := NewInterruptionCoordinator(engine, events, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	events <- InterruptionEvent{Began: true}
	waitForState(t, engine, StatePaused)
	events <- InterruptionEvent{Began: false, ShouldResume: false}

	// Give the coordinator a beat, then confirm it stayed paused.
	time.Sleep(50 * time.Millisecond)
	if engine.State() != StatePaused {
		t.Fatalf("expected paused, got %s", engine.State())
	}

	// Manual resume still works.
	if err := engine.Resume(); err != nil {
		t.Fatalf("manual resume: %v", err)
	}

	cancel()
	<-done
}

func waitForState(t *testing.T, engine *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached %s (now %s)", want, engine.State())
}

func TestDeviceWatcherEmitsOnIdentityChange(t *testing.T) {
	name := "builtin-mic"
	var current = func() (string, error) { return name, nil }

	w := NewDeviceWatcher(5*time.Millisecond, func() (string, error) { return current() }, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	name = "bt-headset"

	select {
	case ev := <-w.Events():
		if ev.OldDevice != "builtin-mic" || ev.NewDevice != "bt-headset" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no route change event emitted")
	}
}
