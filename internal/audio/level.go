package audio

import (
	"math"
	"sync"
	"time"
)

const (
	// meterFloorDB is the silence floor; anything quieter maps to level 0.
	meterFloorDB = -60.0

	// defaultVoiceRMSThreshold is the normalized RMS power above which speech
	// is assumed. RMS is used instead of peak because it is far more stable
	// against transients (keyboard clicks, mic bumps).
	defaultVoiceRMSThreshold = 0.12

	// defaultMeterInterval caps how often Level readings change. The hardware
	// delivers buffers every few milliseconds; consumers only need frame-rate
	// updates.
	defaultMeterInterval = 33 * time.Millisecond
)

// LevelReading is a throttled snapshot of input loudness.
type LevelReading struct {
	RMS           float64 // normalized [0,1], dB-scaled
	Peak          float64 // normalized [0,1], dB-scaled
	VoiceDetected bool
	At            time.Time
}

// Meter computes RMS and peak amplitude from sample blocks and exposes the
// result at a bounded rate. Process is called from the real-time capture
// callback and must stay cheap: one pass over the samples and, at most once
// per interval, a mutex-guarded snapshot swap.
type Meter struct {
	interval  time.Duration
	threshold float64
	clock     func() time.Time

	mu      sync.Mutex
	last    LevelReading
	updated time.Time
}

// NewMeter returns a meter with the given publish interval and voice RMS
// threshold. Zero values select the defaults.
func NewMeter(interval time.Duration, voiceThreshold float64) *Meter {
	if interval <= 0 {
		interval = defaultMeterInterval
	}
	if voiceThreshold <= 0 {
		voiceThreshold = defaultVoiceRMSThreshold
	}
	return &Meter{
		interval:  interval,
		threshold: voiceThreshold,
		clock:     time.Now,
	}
}

// Process folds one sample block into the meter. Readings are only refreshed
// when the publish interval has elapsed since the previous refresh.
func (m *Meter) Process(samples []float32) {
	if len(samples) == 0 {
		return
	}
	now := m.clock()

	m.mu.Lock()
	due := now.Sub(m.updated) >= m.interval
	m.mu.Unlock()
	if !due {
		return
	}

	var sum float64
	var peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	reading := LevelReading{
		RMS:  normalizeDB(rms),
		Peak: normalizeDB(peak),
		At:   now,
	}
	reading.VoiceDetected = reading.RMS >= m.threshold

	m.mu.Lock()
	m.last = reading
	m.updated = now
	m.mu.Unlock()
}

// Level returns the most recent reading.
func (m *Meter) Level() LevelReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Reset clears the meter between sessions.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.last = LevelReading{}
	m.updated = time.Time{}
	m.mu.Unlock()
}

// normalizeDB maps a linear amplitude to [0,1] over the meter's dB range.
func normalizeDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(amplitude)
	if db < meterFloorDB {
		return 0
	}
	if db > 0 {
		return 1
	}
	return (db - meterFloorDB) / -meterFloorDB
}
