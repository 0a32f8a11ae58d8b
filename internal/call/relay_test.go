package call

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/protocol"
)

// queuedRelay imitates the room relay between two machines. Deliveries are
// queued, never made inside Send, so machine locks are never re-entered.
type queuedRelay struct {
	machines map[string]*Machine
	queue    []delivery
	nextCall int
}

type delivery struct {
	to  string
	evt any
}

func newQueuedRelay() *queuedRelay {
	return &queuedRelay{machines: make(map[string]*Machine), nextCall: 1}
}

func (r *queuedRelay) endpoint(userID string) *relayEndpoint {
	return &relayEndpoint{relay: r, userID: userID}
}

func (r *queuedRelay) register(userID string, m *Machine) {
	r.machines[userID] = m
}

// pump drains the delivery queue, including deliveries enqueued while
// draining.
func (r *queuedRelay) pump() {
	for len(r.queue) > 0 {
		d := r.queue[0]
		r.queue = r.queue[1:]
		r.machines[d.to].HandleEvent(d.evt)
	}
}

func (r *queuedRelay) broadcast(evt any) {
	for id := range r.machines {
		r.queue = append(r.queue, delivery{to: id, evt: evt})
	}
}

func (r *queuedRelay) toOthers(from string, evt any) {
	for id := range r.machines {
		if id != from {
			r.queue = append(r.queue, delivery{to: id, evt: evt})
		}
	}
}

type relayEndpoint struct {
	relay  *queuedRelay
	userID string
}

func (e *relayEndpoint) Send(v any) error {
	r := e.relay
	switch evt := v.(type) {
	case protocol.CallInitiate:
		callID := fmt.Sprintf("call-%d", r.nextCall)
		r.nextCall++
		r.broadcast(protocol.CallIncoming{
			Type:        protocol.TypeCallIncoming,
			CallID:      callID,
			RoomID:      evt.RoomID,
			InitiatorID: evt.InitiatorID,
		})
	case protocol.CallAccept:
		r.toOthers(e.userID, protocol.CallAccepted{Type: protocol.TypeCallAccepted, CallID: evt.CallID, UserID: evt.UserID})
	case protocol.CallReject:
		r.toOthers(e.userID, protocol.CallRejected{Type: protocol.TypeCallRejected, CallID: evt.CallID, UserID: evt.UserID})
	case protocol.CallEnd:
		r.toOthers(e.userID, protocol.CallEnded{Type: protocol.TypeCallEnded, CallID: evt.CallID})
	case protocol.Offer:
		r.toOthers(e.userID, evt)
	case protocol.Answer:
		r.toOthers(e.userID, evt)
	case protocol.ICECandidate:
		r.toOthers(e.userID, evt)
	}
	return nil
}

func TestTwoMachineCallLifecycle(t *testing.T) {
	relay := newQueuedRelay()
	clk := clock.NewMock()

	alicePeer := &fakePeer{}
	bobPeer := &fakePeer{}
	alice := NewMachine("alice", relay.endpoint("alice"), alicePeer, clk, zerolog.Nop(), nil)
	bob := NewMachine("bob", relay.endpoint("bob"), bobPeer, clk, zerolog.Nop(), nil)
	relay.register("alice", alice)
	relay.register("bob", bob)

	// Alice calls; the relay assigns an ID and rings the whole room.
	if err := alice.Initiate("trip-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	relay.pump()

	if got := alice.Snapshot(); got.State != StateOutgoingRinging || got.Call.ID == "" {
		t.Fatalf("alice after initiate = %+v", got)
	}
	bobSnap := bob.Snapshot()
	if bobSnap.State != StateIncomingRinging || !bobSnap.Incoming {
		t.Fatalf("bob after initiate = %+v", bobSnap)
	}
	if bobSnap.Call.InitiatorID != "alice" {
		t.Fatalf("bob sees initiator %q, want alice", bobSnap.Call.InitiatorID)
	}

	// Bob answers; the accept travels to Alice, who offers; Bob answers the
	// offer.
	if err := bob.Accept(); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	relay.pump()

	if got := alice.Snapshot(); got.State != StateActive {
		t.Fatalf("alice after accept = %+v", got)
	}
	if got := bob.Snapshot(); got.State != StateActive {
		t.Fatalf("bob after accept = %+v", got)
	}
	if alicePeer.offers != 1 {
		t.Fatalf("alice offers = %d, want 1", alicePeer.offers)
	}
	if len(bobPeer.answered) != 1 {
		t.Fatalf("bob answered offers = %d, want 1", len(bobPeer.answered))
	}
	if len(alicePeer.applied) != 1 {
		t.Fatalf("alice applied answers = %d, want 1", len(alicePeer.applied))
	}

	// Both sides count the same call time.
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	if got := alice.Snapshot().DurationSeconds; got != 5 {
		t.Fatalf("alice duration = %d, want 5", got)
	}
	if got := bob.Snapshot().DurationSeconds; got != 5 {
		t.Fatalf("bob duration = %d, want 5", got)
	}

	// Alice hangs up; Bob is back to idle and both peers are released.
	if err := alice.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	relay.pump()

	if got := alice.Snapshot().State; got != StateIdle {
		t.Fatalf("alice after end = %s, want idle", got)
	}
	if got := bob.Snapshot().State; got != StateIdle {
		t.Fatalf("bob after end = %s, want idle", got)
	}
	if alicePeer.releases == 0 || bobPeer.releases == 0 {
		t.Fatal("peers not released after end")
	}
}

func TestTwoMachineReject(t *testing.T) {
	relay := newQueuedRelay()
	clk := clock.NewMock()

	alice := NewMachine("alice", relay.endpoint("alice"), &fakePeer{}, clk, zerolog.Nop(), nil)
	bob := NewMachine("bob", relay.endpoint("bob"), &fakePeer{}, clk, zerolog.Nop(), nil)
	relay.register("alice", alice)
	relay.register("bob", bob)

	if err := alice.Initiate("trip-1"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	relay.pump()
	if err := bob.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	relay.pump()

	if got := alice.Snapshot().State; got != StateIdle {
		t.Fatalf("alice after reject = %s, want idle", got)
	}
	if got := bob.Snapshot().State; got != StateIdle {
		t.Fatalf("bob after reject = %s, want idle", got)
	}
}
