package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies websocket payload variants.
type EventType string

const (
	TypeJoinRoom       EventType = "join-room"
	TypeLeaveRoom      EventType = "leave-room"
	TypeNewMessage     EventType = "new-message"
	TypeImageMessage   EventType = "image-message"
	TypeTyping         EventType = "typing"
	TypeLocationUpdate EventType = "location-update"
	TypeCallInitiate   EventType = "voice-call-initiate"
	TypeCallAccept     EventType = "voice-call-accept"
	TypeCallReject     EventType = "voice-call-reject"
	TypeCallEnd        EventType = "voice-call-end"
	TypeOffer          EventType = "voice-offer"
	TypeAnswer         EventType = "voice-answer"
	TypeICECandidate   EventType = "ice-candidate"

	// Server-originated only.
	TypeUserJoined   EventType = "user-joined"
	TypeUserLeft     EventType = "user-left"
	TypeUserTyping   EventType = "user-typing"
	TypeCallIncoming EventType = "voice-call-incoming"
	TypeCallAccepted EventType = "voice-call-accepted"
	TypeCallRejected EventType = "voice-call-rejected"
	TypeCallEnded    EventType = "voice-call-ended"
)

// ErrUnknownEventType marks inbound events this client version does not
// understand. Callers log and drop them so newer relays stay compatible.
var ErrUnknownEventType = errors.New("unknown event type")

type Envelope struct {
	Type EventType `json:"type"`
}

type JoinRoom struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
}

type LeaveRoom struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
}

type NewMessage struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text"`
}

type ImageMessage struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	ImageURL  string    `json:"image_url"`
}

type Typing struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id,omitempty"`
}

type LocationUpdate struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp string    `json:"timestamp,omitempty"`
}

type CallInitiate struct {
	Type        EventType `json:"type"`
	RoomID      string    `json:"room_id"`
	InitiatorID string    `json:"initiator_id"`
}

type CallAccept struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	UserID string    `json:"user_id"`
}

type CallReject struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	UserID string    `json:"user_id"`
}

type CallEnd struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	UserID string    `json:"user_id"`
}

// Offer and Answer carry a JSON-serialized session description; ICECandidate
// carries a JSON-serialized candidate. The relay forwards them opaquely.
type Offer struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	Offer  string    `json:"offer"`
}

type Answer struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	Answer string    `json:"answer"`
}

type ICECandidate struct {
	Type      EventType `json:"type"`
	CallID    string    `json:"call_id"`
	Candidate string    `json:"candidate"`
}

type UserJoined struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
}

type UserLeft struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
}

type UserTyping struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
}

type CallIncoming struct {
	Type        EventType `json:"type"`
	CallID      string    `json:"call_id"`
	RoomID      string    `json:"room_id"`
	InitiatorID string    `json:"initiator_id"`
}

type CallAccepted struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	UserID string    `json:"user_id,omitempty"`
}

type CallRejected struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	UserID string    `json:"user_id,omitempty"`
}

type CallEnded struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
}

// ParseServerEvent decodes one inbound relay payload into its typed variant.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserJoined:
		var evt UserJoined
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeUserLeft:
		var evt UserLeft
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeUserTyping:
		var evt UserTyping
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeNewMessage:
		var evt NewMessage
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.RoomID == "" {
			return nil, errors.New("invalid new-message")
		}
		return evt, nil
	case TypeImageMessage:
		var evt ImageMessage
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.RoomID == "" {
			return nil, errors.New("invalid image-message")
		}
		return evt, nil
	case TypeLocationUpdate:
		var evt LocationUpdate
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.RoomID == "" || evt.UserID == "" {
			return nil, errors.New("invalid location-update")
		}
		return evt, nil
	case TypeCallIncoming:
		var evt CallIncoming
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" || evt.RoomID == "" || evt.InitiatorID == "" {
			return nil, errors.New("invalid voice-call-incoming")
		}
		return evt, nil
	case TypeCallAccepted:
		var evt CallAccepted
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" {
			return nil, errors.New("invalid voice-call-accepted")
		}
		return evt, nil
	case TypeCallRejected:
		var evt CallRejected
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" {
			return nil, errors.New("invalid voice-call-rejected")
		}
		return evt, nil
	case TypeCallEnded:
		var evt CallEnded
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" {
			return nil, errors.New("invalid voice-call-ended")
		}
		return evt, nil
	case TypeOffer:
		var evt Offer
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" || evt.Offer == "" {
			return nil, errors.New("invalid voice-offer")
		}
		return evt, nil
	case TypeAnswer:
		var evt Answer
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" || evt.Answer == "" {
			return nil, errors.New("invalid voice-answer")
		}
		return evt, nil
	case TypeICECandidate:
		var evt ICECandidate
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.CallID == "" || evt.Candidate == "" {
			return nil, errors.New("invalid ice-candidate")
		}
		return evt, nil
	default:
		return nil, ErrUnknownEventType
	}
}

// TypeOf reports the wire type of any outbound or inbound event struct.
func TypeOf(v any) (EventType, bool) {
	switch m := v.(type) {
	case JoinRoom:
		return m.Type, true
	case LeaveRoom:
		return m.Type, true
	case NewMessage:
		return m.Type, true
	case ImageMessage:
		return m.Type, true
	case Typing:
		return m.Type, true
	case LocationUpdate:
		return m.Type, true
	case CallInitiate:
		return m.Type, true
	case CallAccept:
		return m.Type, true
	case CallReject:
		return m.Type, true
	case CallEnd:
		return m.Type, true
	case Offer:
		return m.Type, true
	case Answer:
		return m.Type, true
	case ICECandidate:
		return m.Type, true
	case UserJoined:
		return m.Type, true
	case UserLeft:
		return m.Type, true
	case UserTyping:
		return m.Type, true
	case CallIncoming:
		return m.Type, true
	case CallAccepted:
		return m.Type, true
	case CallRejected:
		return m.Type, true
	case CallEnded:
		return m.Type, true
	default:
		return "", false
	}
}
