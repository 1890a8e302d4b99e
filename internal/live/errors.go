package live

import "errors"

var (
	// ErrDeviceUnavailable means the audio format is unsupported or the device is busy.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrEngine means the recognizer failed to initialize or failed mid-stream.
	ErrEngine = errors.New("recognizer error")
	// ErrSummarizerUnavailable covers network errors, timeouts and non-2xx answers.
	ErrSummarizerUnavailable = errors.New("summarizer unavailable")
	// ErrMalformedResponse means the summarizer answered with something unparseable.
	ErrMalformedResponse = errors.New("malformed summarizer response")
)

// failureReason maps an error to a short metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return "device"
	case errors.Is(err, ErrEngine):
		return "engine"
	case errors.Is(err, ErrSummarizerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "other"
	}
}
