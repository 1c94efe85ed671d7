package capture

import (
	"time"

	"github.com/quillvoice/quill-core/internal/audio"
)

// BufferFunc receives one block of interleaved float32 samples from the
// hardware thread. Implementations must not block: the contract is a fast
// file write, a non-blocking channel push, and a throttled meter update —
// nothing else runs on this thread.
type BufferFunc func(samples []float32, captured time.Time)

// Source is one binding to a hardware input device. The hardware layer is a
// collaborator: this package consumes its buffer stream and device identity
// but never reimplements it.
//
// A Source is single-use with respect to format: a stopped-then-restarted
// binding may report a stale cached format, so route-change handling always
// acquires a fresh Source through a SourceFactory instead of reusing one.
type Source interface {
	// Format reports the device's native format, read at bind time.
	Format() audio.Format
	// DeviceName identifies the bound input device.
	DeviceName() string
	// Start installs the callback and begins delivering buffers.
	Start(fn BufferFunc) error
	// Stop halts delivery. It returns only once the callback is observably
	// removed; no callback invocation happens after Stop returns.
	Stop() error
	// Close releases the binding. The Source is unusable afterwards.
	Close() error
}

// SourceFactory produces a fresh hardware binding reflecting the current
// default input device.
type SourceFactory func() (Source, error)

// RouteChangeEvent records a change of the current input device.
type RouteChangeEvent struct {
	OldDevice string
	NewDevice string
}
