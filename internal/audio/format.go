package audio

import "fmt"

// Encoding identifies the sample encoding of a PCM stream.
type Encoding int

const (
	// EncodingFloat32 is 32-bit IEEE float samples in [-1, 1].
	EncodingFloat32 Encoding = iota
	// EncodingInt16 is 16-bit signed integer samples.
	EncodingInt16
)

func (e Encoding) String() string {
	switch e {
	case EncodingFloat32:
		return "float32"
	case EncodingInt16:
		return "int16"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Format describes a PCM stream. It is an immutable value; components compare
// and copy it freely.
type Format struct {
	SampleRate  float64
	Channels    int
	Encoding    Encoding
	Interleaved bool
}

// Degenerate reports whether the format cannot carry audio. Hardware bindings
// occasionally report a zero rate or channel count mid-renegotiation; such a
// format must never reach a sink or recognizer.
func (f Format) Degenerate() bool {
	return f.SampleRate <= 0 || f.Channels <= 0
}

// Equal reports whether two formats describe the same stream layout.
func (f Format) Equal(other Format) bool {
	return f.SampleRate == other.SampleRate &&
		f.Channels == other.Channels &&
		f.Encoding == other.Encoding &&
		f.Interleaved == other.Interleaved
}

func (f Format) String() string {
	return fmt.Sprintf("%.0fHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}
