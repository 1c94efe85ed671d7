package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/quillvoice/quill-core/internal/audio"
)

// FlushPolicy controls the size-stabilization poll run during finalization.
// The OS flushes the file asynchronously after the stream stops; rather than
// trusting the first Stat, finalization polls at a fixed interval and
// requires StableReads consecutive identical sizes, giving up after
// MaxAttempts and proceeding with the last known size.
type FlushPolicy struct {
	Interval    time.Duration
	StableReads int
	MaxAttempts int
}

// DefaultFlushPolicy matches the capture engine defaults.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		Interval:    50 * time.Millisecond,
		StableReads: 3,
		MaxAttempts: 20,
	}
}

// WAVSink persists buffers to a 16-bit PCM WAV file. Writes happen on the
// real-time callback thread and must stay cheap; the encoder writes straight
// through to the file handle.
type WAVSink struct {
	path    string
	file    *os.File
	enc     *wav.Encoder
	format  audio.Format
	scratch goaudio.IntBuffer
	written int64
}

// NewWAVSink opens path for writing in the given format.
func NewWAVSink(path string, format audio.Format) (*WAVSink, error) {
	if format.Degenerate() {
		return nil, fmt.Errorf("open sink: %w", ErrHardwareNotReady)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	enc := wav.NewEncoder(file, int(format.SampleRate), 16, format.Channels, 1)
	return &WAVSink{
		path:   path,
		file:   file,
		enc:    enc,
		format: format,
		scratch: goaudio.IntBuffer{
			Format: &goaudio.Format{
				NumChannels: format.Channels,
				SampleRate:  int(format.SampleRate),
			},
			SourceBitDepth: 16,
		},
	}, nil
}

// Path returns the output file path.
func (s *WAVSink) Path() string { return s.path }

// BytesWritten returns the running count of encoded sample bytes.
func (s *WAVSink) BytesWritten() int64 { return s.written }

// Write encodes one buffer. Failures are returned to the caller, which logs
// and drops the buffer; a write failure never tears down the stream.
func (s *WAVSink) Write(buf audio.Buffer) error {
	if len(buf.Samples) == 0 {
		return nil
	}
	if cap(s.scratch.Data) < len(buf.Samples) {
		s.scratch.Data = make([]int, len(buf.Samples))
	}
	s.scratch.Data = s.scratch.Data[:len(buf.Samples)]
	for i, f := range buf.Samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s.scratch.Data[i] = int(int16(f * 32767))
	}
	if err := s.enc.Write(&s.scratch); err != nil {
		return fmt.Errorf("sink write: %w", err)
	}
	s.written += int64(len(buf.Samples) * 2)
	return nil
}

// Finalize closes the encoder and polls the file size per policy. The
// returned stable flag is false when the size never settled; the file is
// still returned (soft failure).
func (s *WAVSink) Finalize(ctx context.Context, policy FlushPolicy) (size int64, stable bool, err error) {
	if err := s.enc.Close(); err != nil {
		return 0, false, fmt.Errorf("close wav encoder: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, false, fmt.Errorf("sync sink: %w", err)
	}

	last := int64(-1)
	streak := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		info, statErr := os.Stat(s.path)
		if statErr == nil {
			if info.Size() == last {
				streak++
				if streak >= policy.StableReads {
					_ = s.file.Close()
					return info.Size(), true, nil
				}
			} else {
				streak = 1
			}
			last = info.Size()
		}
		select {
		case <-ctx.Done():
			_ = s.file.Close()
			return last, false, ctx.Err()
		case <-time.After(policy.Interval):
		}
	}
	_ = s.file.Close()
	return last, false, nil
}

// Discard closes and removes the file. Used by cancel.
func (s *WAVSink) Discard() error {
	_ = s.enc.Close()
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard sink: %w", err)
	}
	return nil
}
