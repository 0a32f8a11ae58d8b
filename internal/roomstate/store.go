package roomstate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/enterpannet/rode-trip/internal/protocol"
)

// maxMessages bounds per-room history so long trips do not grow without
// limit.
const maxMessages = 200

// Message is one chat entry, text or image.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// MemberLocation is the last known position of a room member.
type MemberLocation struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type roomRecord struct {
	messages  []Message
	members   map[string]struct{}
	typing    map[string]time.Time
	locations map[string]MemberLocation
}

func newRoomRecord() *roomRecord {
	return &roomRecord{
		members:   make(map[string]struct{}),
		typing:    make(map[string]time.Time),
		locations: make(map[string]MemberLocation),
	}
}

// Store is the in-process view of every joined room: chat history, presence,
// typing and member positions. It is fed by relay events plus local sends.
type Store struct {
	clock clock.Clock

	mu    sync.RWMutex
	rooms map[string]*roomRecord
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{clock: clk, rooms: make(map[string]*roomRecord)}
}

// ComposeMessage builds an outbound text message with a fresh local ID.
func ComposeMessage(roomID, userID, text string) protocol.NewMessage {
	return protocol.NewMessage{
		Type:      protocol.TypeNewMessage,
		MessageID: uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Text:      text,
	}
}

// ComposeImage builds an outbound image message with a fresh local ID.
func ComposeImage(roomID, userID, imageURL string) protocol.ImageMessage {
	return protocol.ImageMessage{
		Type:      protocol.TypeImageMessage,
		MessageID: uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		ImageURL:  imageURL,
	}
}

// HandleEvent folds one event into the room view. Non-room events are
// ignored.
func (s *Store) HandleEvent(evt any) {
	switch e := evt.(type) {
	case protocol.NewMessage:
		s.appendMessage(Message{
			ID:     e.MessageID,
			RoomID: e.RoomID,
			UserID: e.UserID,
			Text:   e.Text,
		})
	case protocol.ImageMessage:
		s.appendMessage(Message{
			ID:       e.MessageID,
			RoomID:   e.RoomID,
			UserID:   e.UserID,
			ImageURL: e.ImageURL,
		})
	case protocol.UserJoined:
		s.mu.Lock()
		s.room(e.RoomID).members[e.UserID] = struct{}{}
		s.mu.Unlock()
	case protocol.UserLeft:
		s.mu.Lock()
		room := s.room(e.RoomID)
		delete(room.members, e.UserID)
		delete(room.typing, e.UserID)
		delete(room.locations, e.UserID)
		s.mu.Unlock()
	case protocol.UserTyping:
		s.mu.Lock()
		s.room(e.RoomID).typing[e.UserID] = s.clock.Now()
		s.mu.Unlock()
	case protocol.LocationUpdate:
		s.mu.Lock()
		s.room(e.RoomID).locations[e.UserID] = MemberLocation{
			UserID:    e.UserID,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Timestamp: e.Timestamp,
		}
		s.mu.Unlock()
	}
}

// Forget drops all state for a room, typically on leave.
func (s *Store) Forget(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Messages returns up to limit most recent messages for a room, oldest
// first. limit <= 0 means all.
func (s *Store) Messages(roomID string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok || len(room.messages) == 0 {
		return nil
	}
	arr := room.messages
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, limit)
	copy(out, arr[len(arr)-limit:])
	return out
}

// Members returns the users currently present in a room.
func (s *Store) Members(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(room.members))
	for id := range room.members {
		out = append(out, id)
	}
	return out
}

// TypingUsers returns users whose typing signal is newer than within.
func (s *Store) TypingUsers(roomID string, within time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	cutoff := s.clock.Now().Add(-within)
	out := make([]string, 0, len(room.typing))
	for id, at := range room.typing {
		if at.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Locations returns the last known position of each room member.
func (s *Store) Locations(roomID string) []MemberLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]MemberLocation, 0, len(room.locations))
	for _, loc := range room.locations {
		out = append(out, loc)
	}
	return out
}

func (s *Store) appendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ReceivedAt = s.clock.Now().UTC()
	room := s.room(msg.RoomID)
	room.messages = append(room.messages, msg)
	if len(room.messages) > maxMessages {
		room.messages = room.messages[len(room.messages)-maxMessages:]
	}
}

// room returns the record for roomID, creating it on first touch. Callers
// hold the write lock.
func (s *Store) room(roomID string) *roomRecord {
	room, ok := s.rooms[roomID]
	if !ok {
		room = newRoomRecord()
		s.rooms[roomID] = room
	}
	return room
}
