package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrNotInitialized is returned by session operations before Initialize or
// after Release.
var ErrNotInitialized = errors.New("peer session not initialized")

// CandidateSender forwards locally gathered ICE candidates to the remote
// peer through the signaling channel.
type CandidateSender interface {
	SendCandidate(callID, candidate string) error
}

// Session owns the PeerConnection for one voice call. Descriptions and
// candidates cross the relay as JSON strings; the relay never inspects them.
//
// Remote candidates that arrive before the remote description are buffered
// and applied once it lands.
type Session struct {
	media Media
	stun  []string
	log   zerolog.Logger

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	callID       string
	onFailure    func()
	closeMedia   func()
	localTracks  []webrtc.TrackLocal
	audioSenders []*webrtc.RTPSender
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	muted        bool
}

func NewSession(media Media, stunServers []string, log zerolog.Logger) *Session {
	return &Session{media: media, stun: stunServers, log: log}
}

// Initialize builds the PeerConnection for a call and acquires local audio.
// When no microphone is available the session proceeds receive-only.
// onFailure runs once if the connection later reaches the failed state,
// after the session has torn itself down; it may be nil.
func (s *Session) Initialize(callID string, sender CandidateSender, onFailure func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil {
		return fmt.Errorf("session already initialized for call %s", s.callID)
	}

	api, err := s.media.NewAPI()
	if err != nil {
		return fmt.Errorf("build webrtc api: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(s.stun))
	for _, u := range s.stun {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.log.Error().Err(err).Msg("marshal local candidate")
			return
		}
		if err := sender.SendCandidate(callID, string(payload)); err != nil {
			s.log.Warn().Err(err).Str("call_id", callID).Msg("relay local candidate")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info().Str("call_id", callID).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			// Fresh goroutine: teardown takes the session mutex and the
			// owner's callback may take its own.
			go s.connectionFailed(callID)
		}
	})

	tracks, closeMedia, err := s.media.CaptureAudio()
	switch {
	case errors.Is(err, ErrMediaUnavailable):
		s.log.Warn().Str("call_id", callID).Msg("no microphone, receive-only call")
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return fmt.Errorf("add recvonly transceiver: %w", err)
		}
	case err != nil:
		pc.Close()
		return fmt.Errorf("capture audio: %w", err)
	default:
		for _, track := range tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				closeMedia()
				pc.Close()
				return fmt.Errorf("add local track: %w", err)
			}
			s.audioSenders = append(s.audioSenders, sender)
		}
		s.localTracks = tracks
		s.closeMedia = closeMedia
	}

	s.pc = pc
	s.callID = callID
	s.onFailure = onFailure
	s.muted = false
	return nil
}

// connectionFailed tears the session down after the transport gives up and
// notifies the owner so the call ends too. Stale notifications for a
// released or replaced call are dropped.
func (s *Session) connectionFailed(callID string) {
	s.mu.Lock()
	if s.pc == nil || s.callID != callID {
		s.mu.Unlock()
		return
	}
	cb := s.onFailure
	s.mu.Unlock()

	s.log.Warn().Str("call_id", callID).Msg("peer connection failed, releasing")
	s.Release()
	if cb != nil {
		cb()
	}
}

// Initialized reports whether a call is currently bound to the session.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil
}

// CreateOffer produces the local offer as a JSON string and installs it as
// the local description. Candidates trickle separately.
func (s *Session) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return "", ErrNotInitialized
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	return string(payload), nil
}

// CreateAnswer applies the remote offer and produces the local answer as a
// JSON string. Buffered remote candidates are flushed once the offer lands.
func (s *Session) CreateAnswer(remoteOffer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return "", ErrNotInitialized
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(remoteOffer), &offer); err != nil {
		return "", fmt.Errorf("decode remote offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	s.remoteSet = true
	s.flushPendingLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(payload), nil
}

// ApplyRemoteDescription installs the remote answer on the offering side.
func (s *Session) ApplyRemoteDescription(remoteAnswer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return ErrNotInitialized
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(remoteAnswer), &answer); err != nil {
		return fmt.Errorf("decode remote answer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteSet = true
	s.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies one relayed ICE candidate, buffering it when
// the remote description has not arrived yet.
func (s *Session) AddRemoteCandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return ErrNotInitialized
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode remote candidate: %w", err)
	}

	if !s.remoteSet {
		s.pending = append(s.pending, init)
		return nil
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (s *Session) flushPendingLocked() {
	for _, init := range s.pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.log.Warn().Err(err).Str("call_id", s.callID).Msg("apply buffered candidate")
		}
	}
	s.pending = nil
}

// SetMuted detaches or reattaches the local audio tracks without
// renegotiating.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return ErrNotInitialized
	}
	if muted == s.muted {
		return nil
	}

	for i, sender := range s.audioSenders {
		var track webrtc.TrackLocal
		if !muted {
			track = s.localTracks[i]
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	s.muted = muted
	return nil
}

// Muted reports the current mute state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Release tears down the call's media and connection. Safe to call more
// than once; the session can be initialized again afterwards.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return
	}
	if s.closeMedia != nil {
		s.closeMedia()
	}
	if err := s.pc.Close(); err != nil {
		s.log.Warn().Err(err).Str("call_id", s.callID).Msg("close peer connection")
	}

	s.pc = nil
	s.callID = ""
	s.onFailure = nil
	s.closeMedia = nil
	s.localTracks = nil
	s.audioSenders = nil
	s.pending = nil
	s.remoteSet = false
	s.muted = false
}
