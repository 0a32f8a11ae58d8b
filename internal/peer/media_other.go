//go:build !linux || !cgo

package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// otherMedia is the receive-only fallback for platforms without a
// mediadevices driver. Sessions negotiate recvonly audio m-lines.
type otherMedia struct {
	log zerolog.Logger
}

func newPlatformMedia(log zerolog.Logger) Media {
	return otherMedia{log: log}
}

func (m otherMedia) NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

func (m otherMedia) CaptureAudio() ([]webrtc.TrackLocal, func(), error) {
	return nil, nil, ErrMediaUnavailable
}
