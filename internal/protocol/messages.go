package protocol

import "time"

// LevelUpdate carries throttled audio level telemetry for UI meters.
type LevelUpdate struct {
	RecordingID   string    `json:"recording_id"`
	RMS           float64   `json:"rms"`
	Peak          float64   `json:"peak"`
	VoiceDetected bool      `json:"voice_detected"`
	Timestamp     time.Time `json:"timestamp"`
}

// TranscriptUpdate is an incremental transcript broadcast on the bus.
type TranscriptUpdate struct {
	RecordingID string    `json:"recording_id"`
	Finalized   string    `json:"finalized"`
	Volatile    string    `json:"volatile"`
	Display     string    `json:"display"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionEvent marks a lifecycle transition of a recording session.
type SessionEvent struct {
	RecordingID string    `json:"recording_id"`
	Type        string    `json:"type"`
	Device      string    `json:"device,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session event types.
const (
	EventStarted       = "started"
	EventPaused        = "paused"
	EventResumed       = "resumed"
	EventDeviceSwapped = "device_swapped"
	EventStalled       = "stalled"
	EventStopped       = "stopped"
	EventCancelled     = "cancelled"
)

const (
	SubjectLevelPrefix      = "capture.level"
	SubjectTranscriptUpdate = "transcript.update"
	SubjectSessionEvents    = "session.events"
)
