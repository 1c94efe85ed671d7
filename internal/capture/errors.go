package capture

import "errors"

// ErrHardwareNotReady indicates the input device reported a degenerate format
// (zero sample rate or channels) at start or after a route change.
var ErrHardwareNotReady = errors.New("audio hardware not ready")

// ErrNoActiveSession indicates stop/pause/resume/cancel was invoked with no
// recording in progress.
var ErrNoActiveSession = errors.New("no active capture session")

// ErrAlreadyRecording indicates start was invoked while a session is active.
var ErrAlreadyRecording = errors.New("capture session already active")

// ErrCannotPause indicates pause was invoked outside the recording state.
var ErrCannotPause = errors.New("cannot pause: not recording")

// ErrCannotResume indicates resume was invoked outside the paused state.
var ErrCannotResume = errors.New("cannot resume: not paused")
