package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/call"
	"github.com/enterpannet/rode-trip/internal/config"
	"github.com/enterpannet/rode-trip/internal/location"
	"github.com/enterpannet/rode-trip/internal/observability"
	"github.com/enterpannet/rode-trip/internal/protocol"
	"github.com/enterpannet/rode-trip/internal/roomstate"
	"github.com/enterpannet/rode-trip/internal/signaling"
)

// Channel is the signaling half the API drives.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Send(v any) error
}

// Calls is the voice call slot.
type Calls interface {
	Initiate(roomID string) error
	Accept() error
	Reject() error
	End() error
	SetMuted(muted bool) error
	Snapshot() call.Snapshot
}

// Tracker is the adaptive location reporter.
type Tracker interface {
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	SetForeground(ctx context.Context)
	SetBackground(ctx context.Context)
	Stop()
	Mode() location.Mode
	Rooms() []string
}

// Server exposes the local control surface the device UI drives.
type Server struct {
	cfg     config.Config
	channel Channel
	calls   Calls
	tracker Tracker
	rooms   *roomstate.Store
	source  *location.ManualSource
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(cfg config.Config, channel Channel, calls Calls, tracker Tracker, rooms *roomstate.Store, source *location.ManualSource, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		channel: channel,
		calls:   calls,
		tracker: tracker,
		rooms:   rooms,
		source:  source,
		metrics: metrics,
		log:     log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/session/connect", s.handleConnect)
	r.Post("/v1/session/disconnect", s.handleDisconnect)

	r.Post("/v1/rooms/{id}/join", s.handleJoinRoom)
	r.Post("/v1/rooms/{id}/leave", s.handleLeaveRoom)
	r.Get("/v1/rooms/{id}/messages", s.handleListMessages)
	r.Post("/v1/rooms/{id}/messages", s.handleSendMessage)
	r.Post("/v1/rooms/{id}/images", s.handleSendImage)
	r.Post("/v1/rooms/{id}/typing", s.handleTyping)
	r.Get("/v1/rooms/{id}/members", s.handleListMembers)
	r.Get("/v1/rooms/{id}/locations", s.handleListLocations)

	r.Post("/v1/calls", s.handleInitiateCall)
	r.Post("/v1/calls/accept", s.handleAcceptCall)
	r.Post("/v1/calls/reject", s.handleRejectCall)
	r.Post("/v1/calls/end", s.handleEndCall)
	r.Post("/v1/calls/mute", s.handleMuteCall)
	r.Get("/v1/calls/state", s.handleCallState)

	r.Post("/v1/tracking/position", s.handlePosition)
	r.Post("/v1/lifecycle/foreground", s.handleForeground)
	r.Post("/v1/lifecycle/background", s.handleBackground)
	r.Post("/v1/lifecycle/stop", s.handleStopTracking)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.channel.Connected(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	// Connection outlives the request; the reconnect loop must not die with
	// the request context.
	if err := s.channel.Connect(context.WithoutCancel(r.Context())); err != nil {
		s.log.Warn().Err(err).Msg("connect request failed")
		respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"connected": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.channel.Disconnect()
	respondJSON(w, http.StatusOK, map[string]any{"connected": false})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	err := s.channel.Send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: roomID})
	if err != nil {
		respondSendError(w, err)
		return
	}
	s.tracker.JoinRoom(roomID)
	respondJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "joined": true})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	err := s.channel.Send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom, RoomID: roomID})
	if err != nil {
		respondSendError(w, err)
		return
	}
	s.tracker.LeaveRoom(roomID)
	s.rooms.Forget(roomID)
	respondJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "joined": false})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = n
	}
	messages := s.rooms.Messages(roomID, limit)
	if messages == nil {
		messages = []roomstate.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_message", "text is required")
		return
	}

	msg := roomstate.ComposeMessage(roomID, s.cfg.UserID, req.Text)
	if err := s.channel.Send(msg); err != nil {
		respondSendError(w, err)
		return
	}
	// Local echo so history shows the message before the relay reflects it.
	s.rooms.HandleEvent(msg)
	respondJSON(w, http.StatusCreated, map[string]any{"message_id": msg.MessageID})
}

func (s *Server) handleSendImage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	var req struct {
		ImageURL string `json:"image_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		respondError(w, http.StatusBadRequest, "empty_image", "image_url is required")
		return
	}

	msg := roomstate.ComposeImage(roomID, s.cfg.UserID, req.ImageURL)
	if err := s.channel.Send(msg); err != nil {
		respondSendError(w, err)
		return
	}
	s.rooms.HandleEvent(msg)
	respondJSON(w, http.StatusCreated, map[string]any{"message_id": msg.MessageID})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	err := s.channel.Send(protocol.Typing{Type: protocol.TypeTyping, RoomID: roomID, UserID: s.cfg.UserID})
	if err != nil {
		respondSendError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	members := s.rooms.Members(roomID)
	if members == nil {
		members = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(w, r)
	if !ok {
		return
	}
	locations := s.rooms.Locations(roomID)
	if locations == nil {
		locations = []roomstate.MemberLocation{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"room_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		respondError(w, http.StatusBadRequest, "missing_room_id", "room_id is required")
		return
	}
	if err := s.calls.Initiate(req.RoomID); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.calls.Snapshot())
}

func (s *Server) handleAcceptCall(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.Accept(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleRejectCall(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.Reject(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleEndCall(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.End(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleMuteCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.calls.SetMuted(req.Muted); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleCallState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Timestamp string  `json:"timestamp"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		respondError(w, http.StatusBadRequest, "invalid_coordinates", "latitude/longitude out of range")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_timestamp", "timestamp must be RFC3339")
			return
		}
		ts = parsed
	}

	s.source.Set(location.Sample{Latitude: req.Latitude, Longitude: req.Longitude, Timestamp: ts})
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	s.tracker.SetForeground(context.WithoutCancel(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"mode": s.tracker.Mode()})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	s.tracker.SetBackground(context.WithoutCancel(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"mode": s.tracker.Mode()})
}

func (s *Server) handleStopTracking(w http.ResponseWriter, _ *http.Request) {
	s.tracker.Stop()
	respondJSON(w, http.StatusOK, map[string]any{"mode": s.tracker.Mode()})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func roomID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_room_id", "room id is required")
		return "", false
	}
	return id, true
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, signaling.ErrNotConnected) {
		respondError(w, http.StatusConflict, "not_connected", err.Error())
		return
	}
	respondError(w, http.StatusBadGateway, "send_failed", err.Error())
}

func respondCallError(w http.ResponseWriter, err error) {
	if errors.Is(err, call.ErrInvalidState) {
		respondError(w, http.StatusConflict, "invalid_call_state", err.Error())
		return
	}
	if errors.Is(err, signaling.ErrNotConnected) {
		respondError(w, http.StatusConflict, "not_connected", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "call_failed", err.Error())
}
