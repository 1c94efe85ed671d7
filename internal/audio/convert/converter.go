// Package convert bridges two fixed PCM formats: channel mixdown/upmix plus
// sample-rate conversion. A Converter is built for one (source, target) pair
// and is not safe for concurrent use; the capture and transcription paths
// each own their own instance.
package convert

import (
	"errors"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/quillvoice/quill-core/internal/audio"
)

// ErrConversionFailed indicates the source and target formats cannot be
// bridged by the underlying resampler.
var ErrConversionFailed = errors.New("audio format conversion failed")

// Converter converts buffers from a fixed source format to a fixed target
// format. Conversion allocates a new buffer; the input is never modified.
type Converter struct {
	src audio.Format
	dst audio.Format

	resampler     resampling.Resampler
	needsResample bool
	scratch       []float64
}

// New builds a converter for the given format pair. It fails with
// ErrConversionFailed when either format is degenerate or the resampler
// rejects the rate pair.
func New(src, dst audio.Format) (*Converter, error) {
	if src.Degenerate() || dst.Degenerate() {
		return nil, fmt.Errorf("%w: degenerate format (src=%s dst=%s)", ErrConversionFailed, src, dst)
	}
	c := &Converter{src: src, dst: dst}
	if err := c.buildResampler(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Converter) buildResampler() error {
	c.needsResample = c.src.SampleRate != c.dst.SampleRate
	if !c.needsResample {
		c.resampler = nil
		return nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  c.src.SampleRate,
		OutputRate: c.dst.SampleRate,
		Channels:   c.dst.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return fmt.Errorf("%w: %.0fHz -> %.0fHz: %v", ErrConversionFailed, c.src.SampleRate, c.dst.SampleRate, err)
	}
	c.resampler = rs
	return nil
}

// Source returns the fixed source format.
func (c *Converter) Source() audio.Format { return c.src }

// Target returns the fixed target format.
func (c *Converter) Target() audio.Format { return c.dst }

// Convert produces a new buffer in the target format. A zero-frame input
// yields a zero-frame output in the target format without error.
func (c *Converter) Convert(in audio.Buffer) (audio.Buffer, error) {
	out := audio.Buffer{Format: c.dst, Timestamp: in.Timestamp}
	if len(in.Samples) == 0 {
		out.Samples = []float32{}
		return out, nil
	}
	if !in.Format.Equal(c.src) {
		return out, fmt.Errorf("%w: buffer format %s does not match converter source %s", ErrConversionFailed, in.Format, c.src)
	}

	mixed := mixChannels(in.Samples, c.src.Channels, c.dst.Channels)

	if !c.needsResample {
		out.Samples = mixed
		return out, nil
	}

	// ceil(frames * dstRate/srcRate) plus a small margin to absorb resampler
	// priming and latency.
	frames := len(mixed) / c.dst.Channels
	estimate := int(math.Ceil(float64(frames)*c.dst.SampleRate/c.src.SampleRate)) + 16

	if cap(c.scratch) < len(mixed) {
		c.scratch = make([]float64, len(mixed))
	}
	input := c.scratch[:len(mixed)]
	for i, s := range mixed {
		input[i] = float64(s)
	}

	resampled, err := c.resampler.Process(input)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	samples := make([]float32, 0, estimate*c.dst.Channels)
	for _, s := range resampled {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		samples = append(samples, float32(s))
	}
	out.Samples = samples
	return out, nil
}

// Reset rebuilds the resampler state. Must be called when the input stream is
// discontinuous — immediately after a route-change hot-swap — so non-contiguous
// audio is not treated as contiguous.
func (c *Converter) Reset() error {
	return c.buildResampler()
}

// mixChannels converts interleaved samples between channel counts. Stereo to
// mono averages pairs; mono to stereo duplicates; matching counts pass
// through as a copy.
func mixChannels(in []float32, srcCh, dstCh int) []float32 {
	switch {
	case srcCh == dstCh:
		out := make([]float32, len(in))
		copy(out, in)
		return out
	case srcCh == 2 && dstCh == 1:
		frames := len(in) / 2
		out := make([]float32, frames)
		for i := 0; i < frames; i++ {
			out[i] = (in[i*2] + in[i*2+1]) / 2
		}
		return out
	case srcCh == 1 && dstCh == 2:
		out := make([]float32, len(in)*2)
		for i, s := range in {
			out[i*2] = s
			out[i*2+1] = s
		}
		return out
	default:
		// Arbitrary N:M mixes: average down to mono then fan out.
		frames := len(in) / srcCh
		mono := make([]float32, frames)
		for i := 0; i < frames; i++ {
			var sum float32
			for ch := 0; ch < srcCh; ch++ {
				sum += in[i*srcCh+ch]
			}
			mono[i] = sum / float32(srcCh)
		}
		if dstCh == 1 {
			return mono
		}
		out := make([]float32, frames*dstCh)
		for i, s := range mono {
			for ch := 0; ch < dstCh; ch++ {
				out[i*dstCh+ch] = s
			}
		}
		return out
	}
}
