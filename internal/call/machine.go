package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/observability"
	"github.com/enterpannet/rode-trip/internal/peer"
	"github.com/enterpannet/rode-trip/internal/protocol"
)

// ErrInvalidState is returned when an operation does not apply to the
// machine's current state.
var ErrInvalidState = errors.New("operation not valid in current call state")

// State names the phase of the single call slot.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateActive          State = "active"
)

// Call describes the call occupying the slot.
type Call struct {
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	InitiatorID string `json:"initiator_id"`
}

// Snapshot is a point-in-time copy of the machine state.
type Snapshot struct {
	State           State `json:"state"`
	Call            *Call `json:"call,omitempty"`
	Incoming        bool  `json:"incoming"`
	Active          bool  `json:"active"`
	DurationSeconds int   `json:"duration_seconds"`
	Muted           bool  `json:"muted"`
}

// Sender pushes outbound events onto the signaling channel.
type Sender interface {
	Send(v any) error
}

// PeerSession is the media half of a call. Satisfied by peer.Session.
type PeerSession interface {
	Initialize(callID string, sender peer.CandidateSender, onFailure func()) error
	CreateOffer() (string, error)
	CreateAnswer(remoteOffer string) (string, error)
	ApplyRemoteDescription(remoteAnswer string) error
	AddRemoteCandidate(candidate string) error
	SetMuted(muted bool) error
	Release()
}

// Machine drives the one-call-at-a-time voice state machine. User operations
// and relay events both funnel through its mutex, so every transition is
// serialized. Peer callbacks never re-enter the machine.
type Machine struct {
	userID  string
	sender  Sender
	peer    PeerSession
	clock   clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	state       State
	call        *Call
	duration    int
	muted       bool
	initiatedAt time.Time
	stopTicker  chan struct{}
}

func NewMachine(userID string, sender Sender, peer PeerSession, clk clock.Clock, log zerolog.Logger, metrics *observability.Metrics) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		userID:  userID,
		sender:  sender,
		peer:    peer,
		clock:   clk,
		log:     log,
		metrics: metrics,
		state:   StateIdle,
	}
}

// candidateRelay forwards locally gathered candidates over signaling. It
// deliberately holds only the sender so pion goroutines never touch the
// machine mutex.
type candidateRelay struct {
	sender Sender
}

func (r candidateRelay) SendCandidate(callID, candidate string) error {
	return r.sender.Send(protocol.ICECandidate{
		Type:      protocol.TypeICECandidate,
		CallID:    callID,
		Candidate: candidate,
	})
}

// Initiate starts an outgoing call in a room. The relay assigns the call ID
// and echoes it back in a voice-call-incoming event.
func (m *Machine) Initiate(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("%w: initiate in %s", ErrInvalidState, m.state)
	}

	err := m.sender.Send(protocol.CallInitiate{
		Type:        protocol.TypeCallInitiate,
		RoomID:      roomID,
		InitiatorID: m.userID,
	})
	if err != nil {
		return fmt.Errorf("send initiate: %w", err)
	}

	m.state = StateOutgoingRinging
	m.call = &Call{RoomID: roomID, InitiatorID: m.userID}
	m.initiatedAt = m.clock.Now()
	m.countEvent("initiated")
	m.log.Info().Str("room_id", roomID).Msg("outgoing call started")
	return nil
}

// Accept answers the ringing incoming call. The callee goes active right
// away; media arrives once the initiator's offer lands.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIncomingRinging {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, m.state)
	}

	if err := m.initializePeerLocked(); err != nil {
		return fmt.Errorf("initialize peer: %w", err)
	}

	err := m.sender.Send(protocol.CallAccept{
		Type:   protocol.TypeCallAccept,
		CallID: m.call.ID,
		UserID: m.userID,
	})
	if err != nil {
		m.peer.Release()
		return fmt.Errorf("send accept: %w", err)
	}

	m.enterActiveLocked()
	m.countEvent("accepted")
	m.log.Info().Str("call_id", m.call.ID).Msg("call accepted")
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIncomingRinging {
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, m.state)
	}

	err := m.sender.Send(protocol.CallReject{
		Type:   protocol.TypeCallReject,
		CallID: m.call.ID,
		UserID: m.userID,
	})
	if err != nil {
		return fmt.Errorf("send reject: %w", err)
	}

	m.countEvent("rejected")
	m.log.Info().Str("call_id", m.call.ID).Msg("call rejected")
	m.resetLocked()
	return nil
}

// End hangs up. Valid while ringing or active; the far side learns through
// the relayed voice-call-end.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return fmt.Errorf("%w: end in %s", ErrInvalidState, m.state)
	}

	if m.call.ID != "" {
		err := m.sender.Send(protocol.CallEnd{
			Type:   protocol.TypeCallEnd,
			CallID: m.call.ID,
			UserID: m.userID,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("call_id", m.call.ID).Msg("send end")
		}
	}

	m.countEvent("ended")
	m.log.Info().Str("call_id", m.call.ID).Int("duration_s", m.duration).Msg("call ended")
	m.resetLocked()
	return nil
}

// SetMuted toggles the local microphone during an active call.
func (m *Machine) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return fmt.Errorf("%w: mute in %s", ErrInvalidState, m.state)
	}
	if err := m.peer.SetMuted(muted); err != nil {
		return err
	}
	m.muted = muted
	return nil
}

// Snapshot returns a copy of the current call state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:           m.state,
		Incoming:        m.state == StateIncomingRinging,
		Active:          m.state == StateActive,
		DurationSeconds: m.duration,
		Muted:           m.muted,
	}
	if m.call != nil {
		c := *m.call
		snap.Call = &c
	}
	return snap
}

// HandleEvent feeds one inbound relay event through the machine. Events for
// unknown calls or wrong states are logged and dropped, never fatal.
func (m *Machine) HandleEvent(evt any) {
	switch e := evt.(type) {
	case protocol.CallIncoming:
		m.handleIncoming(e)
	case protocol.CallAccepted:
		m.handleAccepted(e)
	case protocol.CallRejected:
		m.handleRejected(e)
	case protocol.CallEnded:
		m.handleEnded(e)
	case protocol.Offer:
		m.handleOffer(e)
	case protocol.Answer:
		m.handleAnswer(e)
	case protocol.ICECandidate:
		m.handleCandidate(e)
	}
}

func (m *Machine) handleIncoming(e protocol.CallIncoming) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The relay broadcasts voice-call-incoming to the whole room, the
	// initiator included. That echo is how the initiator learns the
	// relay-assigned call ID.
	if m.state == StateOutgoingRinging && e.InitiatorID == m.userID {
		m.call.ID = e.CallID
		m.log.Debug().Str("call_id", e.CallID).Msg("call id assigned")
		return
	}

	if m.state != StateIdle {
		m.log.Info().Str("call_id", e.CallID).Msg("busy, rejecting incoming call")
		err := m.sender.Send(protocol.CallReject{
			Type:   protocol.TypeCallReject,
			CallID: e.CallID,
			UserID: m.userID,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("call_id", e.CallID).Msg("send busy reject")
		}
		return
	}

	m.state = StateIncomingRinging
	m.call = &Call{ID: e.CallID, RoomID: e.RoomID, InitiatorID: e.InitiatorID}
	m.countEvent("incoming")
	m.log.Info().Str("call_id", e.CallID).Str("from", e.InitiatorID).Msg("incoming call")
}

func (m *Machine) handleAccepted(e protocol.CallAccepted) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOutgoingRinging || m.call.ID != e.CallID {
		m.logStale("voice-call-accepted", e.CallID)
		return
	}

	if err := m.initializePeerLocked(); err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("initialize peer")
		m.resetLocked()
		return
	}

	offer, err := m.peer.CreateOffer()
	if err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("create offer")
		m.peer.Release()
		m.resetLocked()
		return
	}

	err = m.sender.Send(protocol.Offer{
		Type:   protocol.TypeOffer,
		CallID: m.call.ID,
		Offer:  offer,
	})
	if err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("send offer")
		m.peer.Release()
		m.resetLocked()
		return
	}

	if m.metrics != nil && !m.initiatedAt.IsZero() {
		m.metrics.ObserveCallSetupLatency(m.clock.Now().Sub(m.initiatedAt))
	}
	m.enterActiveLocked()
	m.countEvent("connected")
	m.log.Info().Str("call_id", e.CallID).Msg("call connected")
}

func (m *Machine) handleRejected(e protocol.CallRejected) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOutgoingRinging || m.call.ID != e.CallID {
		m.logStale("voice-call-rejected", e.CallID)
		return
	}
	m.countEvent("remote_rejected")
	m.log.Info().Str("call_id", e.CallID).Msg("call rejected by remote")
	m.resetLocked()
}

func (m *Machine) handleEnded(e protocol.CallEnded) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle || m.call == nil || m.call.ID != e.CallID {
		m.logStale("voice-call-ended", e.CallID)
		return
	}
	m.countEvent("remote_ended")
	m.log.Info().Str("call_id", e.CallID).Int("duration_s", m.duration).Msg("call ended by remote")
	m.resetLocked()
}

func (m *Machine) handleOffer(e protocol.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive || m.call.ID != e.CallID {
		m.logStale("voice-offer", e.CallID)
		return
	}

	answer, err := m.peer.CreateAnswer(e.Offer)
	if err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("create answer")
		return
	}
	err = m.sender.Send(protocol.Answer{
		Type:   protocol.TypeAnswer,
		CallID: e.CallID,
		Answer: answer,
	})
	if err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("send answer")
	}
}

func (m *Machine) handleAnswer(e protocol.Answer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive || m.call.ID != e.CallID {
		m.logStale("voice-answer", e.CallID)
		return
	}
	if err := m.peer.ApplyRemoteDescription(e.Answer); err != nil {
		m.log.Error().Err(err).Str("call_id", e.CallID).Msg("apply answer")
	}
}

func (m *Machine) handleCandidate(e protocol.ICECandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive || m.call == nil || m.call.ID != e.CallID {
		m.logStale("ice-candidate", e.CallID)
		return
	}
	if err := m.peer.AddRemoteCandidate(e.Candidate); err != nil {
		m.log.Warn().Err(err).Str("call_id", e.CallID).Msg("add remote candidate")
	}
}

// initializePeerLocked binds the peer session to the current call. The
// failure hook runs from the session's own goroutine, never under pion's
// callback, so taking the machine mutex there is safe.
func (m *Machine) initializePeerLocked() error {
	id := m.call.ID
	return m.peer.Initialize(id, candidateRelay{sender: m.sender}, func() {
		m.peerFailed(id)
	})
}

// peerFailed runs after the peer session released itself on a failed
// connection. Treated like a local hang-up: the far side gets
// voice-call-end and the slot resets.
func (m *Machine) peerFailed(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive || m.call == nil || m.call.ID != callID {
		m.logStale("peer-failure", callID)
		return
	}

	err := m.sender.Send(protocol.CallEnd{
		Type:   protocol.TypeCallEnd,
		CallID: callID,
		UserID: m.userID,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("send end")
	}
	m.countEvent("failed")
	m.log.Warn().Str("call_id", callID).Int("duration_s", m.duration).Msg("call ended, transport failed")
	m.resetLocked()
}

// enterActiveLocked flips to active and starts the one-second duration
// ticker.
func (m *Machine) enterActiveLocked() {
	m.state = StateActive
	m.duration = 0
	m.muted = false
	m.stopTicker = make(chan struct{})
	// The ticker is created here, not in the goroutine, so it exists before
	// the caller observes the active state.
	ticker := m.clock.Ticker(time.Second)
	go m.runTicker(ticker, m.stopTicker)
}

func (m *Machine) runTicker(ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state == StateActive {
				m.duration++
			}
			m.mu.Unlock()
		}
	}
}

// resetLocked returns the machine to idle, releasing media and stopping the
// duration ticker.
func (m *Machine) resetLocked() {
	if m.stopTicker != nil {
		close(m.stopTicker)
		m.stopTicker = nil
	}
	m.peer.Release()
	m.state = StateIdle
	m.call = nil
	m.duration = 0
	m.muted = false
	m.initiatedAt = time.Time{}
}

func (m *Machine) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.CallEvents.WithLabelValues(event).Inc()
	}
}

func (m *Machine) logStale(kind, callID string) {
	m.log.Debug().Str("event", kind).Str("call_id", callID).Str("state", string(m.state)).Msg("dropping stale call event")
}
