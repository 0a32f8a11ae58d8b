package peer

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrMediaUnavailable means no microphone could be captured on this platform.
// Sessions fall back to receive-only so calls still carry remote audio.
var ErrMediaUnavailable = errors.New("no local media available")

// Media abstracts platform audio capture. The API it builds must know the
// codecs of the tracks CaptureAudio returns.
type Media interface {
	// NewAPI builds a webrtc API configured for this platform's codecs.
	NewAPI() (*webrtc.API, error)
	// CaptureAudio opens the microphone and returns local tracks plus a
	// cleanup func. Returns ErrMediaUnavailable when capture is not possible.
	CaptureAudio() ([]webrtc.TrackLocal, func(), error)
}

// NewMedia returns the capture implementation for the current platform.
func NewMedia(log zerolog.Logger) Media {
	return newPlatformMedia(log)
}
