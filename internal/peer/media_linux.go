//go:build linux && cgo

package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// linuxMedia captures microphone audio through pion/mediadevices (malgo).
// The codec selector is shared between the media engine and GetUserMedia so
// the captured Opus tracks match what the engine negotiates.
type linuxMedia struct {
	log      zerolog.Logger
	selector *mediadevices.CodecSelector
	err      error
}

func newPlatformMedia(log zerolog.Logger) Media {
	m := &linuxMedia{log: log}
	opusParams, err := opus.NewParams()
	if err != nil {
		m.err = err
		return m
	}
	m.selector = mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return m
}

func (m *linuxMedia) NewAPI() (*webrtc.API, error) {
	if m.err != nil {
		return nil, m.err
	}

	mediaEngine := &webrtc.MediaEngine{}
	m.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

func (m *linuxMedia) CaptureAudio() ([]webrtc.TrackLocal, func(), error) {
	if m.err != nil {
		return nil, nil, m.err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("microphone capture failed")
		return nil, nil, ErrMediaUnavailable
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, ErrMediaUnavailable
	}

	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				m.log.Warn().Err(err).Msg("local audio track ended")
			}
		})
		locals = append(locals, track)
	}

	closeFn := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return locals, closeFn, nil
}
