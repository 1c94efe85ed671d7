package audio

import "time"

// Buffer is a contiguous block of interleaved float32 samples captured at
// Timestamp. Buffers are produced by the hardware callback and handed off by
// value; once a buffer leaves the callback it is never mutated in place —
// conversion always allocates a new buffer.
type Buffer struct {
	Format    Format
	Samples   []float32
	Timestamp time.Time
}

// Frames returns the frame count (samples per channel).
func (b Buffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the play time covered by the buffer.
func (b Buffer) Duration() time.Duration {
	if b.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / b.Format.SampleRate * float64(time.Second))
}

// Clone returns a deep copy. Used when a buffer crosses the real-time
// boundary so the callback can reuse its scratch slice.
func (b Buffer) Clone() Buffer {
	out := b
	out.Samples = make([]float32, len(b.Samples))
	copy(out.Samples, b.Samples)
	return out
}
