package call

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/peer"
	"github.com/enterpannet/rode-trip/internal/protocol"
)

type fakeSender struct {
	sent []any
	err  error
}

func (f *fakeSender) Send(v any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) last() any {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakePeer struct {
	initialized bool
	releases    int
	offers      int
	answered    []string
	applied     []string
	candidates  []string
	muted       bool
	onFailure   func()
}

func (f *fakePeer) Initialize(callID string, sender peer.CandidateSender, onFailure func()) error {
	f.initialized = true
	f.onFailure = onFailure
	return nil
}

func (f *fakePeer) CreateOffer() (string, error) {
	f.offers++
	return `{"type":"offer","sdp":"v=0"}`, nil
}

func (f *fakePeer) CreateAnswer(remoteOffer string) (string, error) {
	f.answered = append(f.answered, remoteOffer)
	return `{"type":"answer","sdp":"v=0"}`, nil
}

func (f *fakePeer) ApplyRemoteDescription(remoteAnswer string) error {
	f.applied = append(f.applied, remoteAnswer)
	return nil
}

func (f *fakePeer) AddRemoteCandidate(candidate string) error {
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeer) SetMuted(muted bool) error {
	f.muted = muted
	return nil
}

func (f *fakePeer) Release() {
	f.initialized = false
	f.releases++
}

func newTestMachine(userID string) (*Machine, *fakeSender, *fakePeer, *clock.Mock) {
	sender := &fakeSender{}
	peer := &fakePeer{}
	clk := clock.NewMock()
	m := NewMachine(userID, sender, peer, clk, zerolog.Nop(), nil)
	return m, sender, peer, clk
}

func ringIncoming(t *testing.T, m *Machine, callID string) {
	t.Helper()
	m.HandleEvent(protocol.CallIncoming{
		Type:        protocol.TypeCallIncoming,
		CallID:      callID,
		RoomID:      "room-1",
		InitiatorID: "remote-user",
	})
	if got := m.Snapshot().State; got != StateIncomingRinging {
		t.Fatalf("state after incoming = %s, want %s", got, StateIncomingRinging)
	}
}

func TestInitiate(t *testing.T) {
	m, sender, _, _ := newTestMachine("me")

	if err := m.Initiate("room-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	snap := m.Snapshot()
	if snap.State != StateOutgoingRinging {
		t.Fatalf("state = %s, want %s", snap.State, StateOutgoingRinging)
	}
	init, ok := sender.last().(protocol.CallInitiate)
	if !ok {
		t.Fatalf("last sent = %T, want CallInitiate", sender.last())
	}
	if init.RoomID != "room-1" || init.InitiatorID != "me" {
		t.Fatalf("sent initiate = %+v", init)
	}

	if err := m.Initiate("room-2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Initiate() error = %v, want ErrInvalidState", err)
	}
}

func TestSelfEchoAssignsCallID(t *testing.T) {
	m, _, _, _ := newTestMachine("me")

	if err := m.Initiate("room-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	m.HandleEvent(protocol.CallIncoming{
		Type:        protocol.TypeCallIncoming,
		CallID:      "c1",
		RoomID:      "room-1",
		InitiatorID: "me",
	})

	snap := m.Snapshot()
	if snap.State != StateOutgoingRinging {
		t.Fatalf("state after self echo = %s, want %s", snap.State, StateOutgoingRinging)
	}
	if snap.Incoming {
		t.Fatal("self echo flagged the call as incoming")
	}
	if snap.Call == nil || snap.Call.ID != "c1" {
		t.Fatalf("call = %+v, want ID c1", snap.Call)
	}
}

func TestAcceptFlow(t *testing.T) {
	m, sender, peer, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")

	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !peer.initialized {
		t.Fatal("Accept() did not initialize the peer session")
	}
	accept, ok := sender.last().(protocol.CallAccept)
	if !ok || accept.CallID != "c1" || accept.UserID != "me" {
		t.Fatalf("last sent = %+v, want CallAccept for c1", sender.last())
	}
	if got := m.Snapshot().State; got != StateActive {
		t.Fatalf("state after Accept = %s, want %s", got, StateActive)
	}

	// The initiator's offer arrives; we answer it.
	m.HandleEvent(protocol.Offer{Type: protocol.TypeOffer, CallID: "c1", Offer: `{"type":"offer","sdp":"v=0"}`})
	if len(peer.answered) != 1 {
		t.Fatalf("answered offers = %d, want 1", len(peer.answered))
	}
	if _, ok := sender.last().(protocol.Answer); !ok {
		t.Fatalf("last sent = %T, want Answer", sender.last())
	}
}

func TestRejectFlow(t *testing.T) {
	m, sender, _, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")

	if err := m.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	reject, ok := sender.last().(protocol.CallReject)
	if !ok || reject.CallID != "c1" {
		t.Fatalf("last sent = %+v, want CallReject for c1", sender.last())
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after Reject = %s, want %s", got, StateIdle)
	}
}

func TestBusySecondIncomingRejected(t *testing.T) {
	m, sender, _, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")

	m.HandleEvent(protocol.CallIncoming{
		Type:        protocol.TypeCallIncoming,
		CallID:      "c2",
		RoomID:      "room-2",
		InitiatorID: "other-user",
	})

	reject, ok := sender.last().(protocol.CallReject)
	if !ok || reject.CallID != "c2" {
		t.Fatalf("last sent = %+v, want CallReject for c2", sender.last())
	}
	snap := m.Snapshot()
	if snap.State != StateIncomingRinging || snap.Call.ID != "c1" {
		t.Fatalf("busy reject disturbed the ringing call: %+v", snap)
	}
}

func TestAcceptedCreatesOffer(t *testing.T) {
	m, sender, peer, _ := newTestMachine("me")

	if err := m.Initiate("room-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	m.HandleEvent(protocol.CallIncoming{Type: protocol.TypeCallIncoming, CallID: "c1", RoomID: "room-1", InitiatorID: "me"})
	m.HandleEvent(protocol.CallAccepted{Type: protocol.TypeCallAccepted, CallID: "c1"})

	if !peer.initialized {
		t.Fatal("accepted event did not initialize the peer session")
	}
	if peer.offers != 1 {
		t.Fatalf("offers created = %d, want 1", peer.offers)
	}
	offer, ok := sender.last().(protocol.Offer)
	if !ok || offer.CallID != "c1" {
		t.Fatalf("last sent = %+v, want Offer for c1", sender.last())
	}
	if got := m.Snapshot().State; got != StateActive {
		t.Fatalf("state after accepted = %s, want %s", got, StateActive)
	}

	m.HandleEvent(protocol.Answer{Type: protocol.TypeAnswer, CallID: "c1", Answer: `{"type":"answer","sdp":"v=0"}`})
	if len(peer.applied) != 1 {
		t.Fatalf("applied answers = %d, want 1", len(peer.applied))
	}

	m.HandleEvent(protocol.ICECandidate{Type: protocol.TypeICECandidate, CallID: "c1", Candidate: `{"candidate":"x"}`})
	if len(peer.candidates) != 1 {
		t.Fatalf("relayed candidates = %d, want 1", len(peer.candidates))
	}
}

func TestRemoteRejectedEndsOutgoing(t *testing.T) {
	m, _, _, _ := newTestMachine("me")

	if err := m.Initiate("room-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	m.HandleEvent(protocol.CallIncoming{Type: protocol.TypeCallIncoming, CallID: "c1", RoomID: "room-1", InitiatorID: "me"})
	m.HandleEvent(protocol.CallRejected{Type: protocol.TypeCallRejected, CallID: "c1"})

	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after remote reject = %s, want %s", got, StateIdle)
	}
}

func TestEndReleasesPeer(t *testing.T) {
	m, sender, peer, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")
	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := m.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, ok := sender.last().(protocol.CallEnd); !ok {
		t.Fatalf("last sent = %T, want CallEnd", sender.last())
	}
	if peer.releases == 0 {
		t.Fatal("End() did not release the peer session")
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after End = %s, want %s", got, StateIdle)
	}

	if err := m.End(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("End() while idle error = %v, want ErrInvalidState", err)
	}
}

func TestPeerFailureEndsCall(t *testing.T) {
	m, sender, peer, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")
	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if peer.onFailure == nil {
		t.Fatal("Accept() registered no failure hook on the peer session")
	}

	// The transport gives up mid-call; the session has already released
	// itself and now notifies the machine.
	peer.onFailure()

	if _, ok := sender.last().(protocol.CallEnd); !ok {
		t.Fatalf("last sent = %T, want CallEnd", sender.last())
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after peer failure = %s, want %s", got, StateIdle)
	}
	if peer.releases == 0 {
		t.Fatal("peer failure did not release the session")
	}

	// A stale notification for the finished call is dropped.
	sent := len(sender.sent)
	peer.onFailure()
	if len(sender.sent) != sent {
		t.Fatalf("stale peer failure produced %d sends", len(sender.sent)-sent)
	}
}

func TestRemoteEnded(t *testing.T) {
	m, _, peer, _ := newTestMachine("me")
	ringIncoming(t, m, "c1")
	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	m.HandleEvent(protocol.CallEnded{Type: protocol.TypeCallEnded, CallID: "c1"})
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after remote end = %s, want %s", got, StateIdle)
	}
	if peer.releases == 0 {
		t.Fatal("remote end did not release the peer session")
	}
}

func TestStaleEventsDropped(t *testing.T) {
	m, sender, peer, _ := newTestMachine("me")

	m.HandleEvent(protocol.CallAccepted{Type: protocol.TypeCallAccepted, CallID: "ghost"})
	m.HandleEvent(protocol.CallEnded{Type: protocol.TypeCallEnded, CallID: "ghost"})
	m.HandleEvent(protocol.Offer{Type: protocol.TypeOffer, CallID: "ghost", Offer: "{}"})

	if len(sender.sent) != 0 {
		t.Fatalf("stale events produced %d sends", len(sender.sent))
	}
	if peer.initialized || len(peer.answered) != 0 {
		t.Fatal("stale events touched the peer session")
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestSetMutedRequiresActive(t *testing.T) {
	m, _, peer, _ := newTestMachine("me")

	if err := m.SetMuted(true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SetMuted() while idle error = %v, want ErrInvalidState", err)
	}

	ringIncoming(t, m, "c1")
	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := m.SetMuted(true); err != nil {
		t.Fatalf("SetMuted() error = %v", err)
	}
	if !peer.muted {
		t.Fatal("peer was not muted")
	}
	if !m.Snapshot().Muted {
		t.Fatal("snapshot does not report muted")
	}
}

func TestDurationTicks(t *testing.T) {
	m, _, _, clk := newTestMachine("me")
	ringIncoming(t, m, "c1")
	if err := m.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	if got := m.Snapshot().DurationSeconds; got != 5 {
		t.Fatalf("DurationSeconds = %d, want 5", got)
	}

	if err := m.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := m.Snapshot().DurationSeconds; got != 0 {
		t.Fatalf("DurationSeconds after End = %d, want 0", got)
	}
}
