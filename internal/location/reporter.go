package location

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/geo"
	"github.com/enterpannet/rode-trip/internal/observability"
	"github.com/enterpannet/rode-trip/internal/protocol"
)

// Sample is one position fix.
type Sample struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// PositionSource supplies position fixes on demand.
type PositionSource interface {
	Current(ctx context.Context) (Sample, error)
}

// Poster records admitted samples against a room over REST.
type Poster interface {
	PostLocation(ctx context.Context, roomID string, lat, lon float64, ts time.Time) error
}

// Sender pushes realtime location events onto the signaling channel.
type Sender interface {
	Send(v any) error
}

// Mode selects the reporting cadence.
type Mode string

const (
	ModeStopped    Mode = "stopped"
	ModeForeground Mode = "foreground"
	ModeBackground Mode = "background"
)

type Config struct {
	MinSendInterval    time.Duration
	MinDistanceMeters  float64
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
}

// Reporter polls the position source and reports admitted samples.
// Foreground mode tracks one current room and double-sends each admitted
// sample to it, REST first and then a realtime event on the signaling
// channel. Background mode posts to the REST API for every joined room on a
// slower timer. At most one polling loop runs at a time.
type Reporter struct {
	cfg     Config
	userID  string
	source  PositionSource
	poster  Poster
	sender  Sender
	clock   clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	mode     Mode
	rooms    map[string]struct{}
	current  string
	lastSent *Sample
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewReporter(cfg Config, userID string, source PositionSource, poster Poster, sender Sender, clk clock.Clock, log zerolog.Logger, metrics *observability.Metrics) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	return &Reporter{
		cfg:     cfg,
		userID:  userID,
		source:  source,
		poster:  poster,
		sender:  sender,
		clock:   clk,
		log:     log,
		metrics: metrics,
		mode:    ModeStopped,
		rooms:   make(map[string]struct{}),
	}
}

// JoinRoom starts reporting positions for a room. The most recently joined
// room becomes the current one and receives the foreground double-send.
func (r *Reporter) JoinRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = roomID
	if _, ok := r.rooms[roomID]; ok {
		return
	}
	r.rooms[roomID] = struct{}{}
	if r.metrics != nil {
		r.metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
}

// LeaveRoom stops reporting positions for a room. Leaving the current room
// hands that role to any remaining room.
func (r *Reporter) LeaveRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return
	}
	delete(r.rooms, roomID)
	if r.current == roomID {
		r.current = ""
		for id := range r.rooms {
			r.current = id
			break
		}
	}
	if r.metrics != nil {
		r.metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
}

// CurrentRoom returns the room foreground updates go to.
func (r *Reporter) CurrentRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Rooms returns the rooms currently receiving positions.
func (r *Reporter) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}

// Mode reports the current cadence.
func (r *Reporter) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetForeground switches to the tight realtime cadence.
func (r *Reporter) SetForeground(ctx context.Context) {
	r.setMode(ctx, ModeForeground, r.cfg.ForegroundInterval)
}

// SetBackground switches to the slow REST cadence.
func (r *Reporter) SetBackground(ctx context.Context) {
	r.setMode(ctx, ModeBackground, r.cfg.BackgroundInterval)
}

// Stop halts reporting entirely and waits for the loop to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mode = ModeStopped
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reporter) setMode(ctx context.Context, mode Mode, interval time.Duration) {
	r.mu.Lock()
	if r.mode == mode {
		r.mu.Unlock()
		return
	}
	stopOld := r.stop
	r.stop = nil
	r.mu.Unlock()

	// The previous loop must be fully gone before the next starts so two
	// tickers never run at once.
	if stopOld != nil {
		close(stopOld)
	}
	r.wg.Wait()

	r.mu.Lock()
	r.mode = mode
	stop := make(chan struct{})
	r.stop = stop
	ticker := r.clock.Ticker(interval)
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.Info().Str("mode", string(mode)).Dur("interval", interval).Msg("location cadence changed")
	go r.run(ctx, mode, ticker, stop)
}

func (r *Reporter) run(ctx context.Context, mode Mode, ticker *clock.Ticker, stop chan struct{}) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx, mode)
		}
	}
}

func (r *Reporter) report(ctx context.Context, mode Mode) {
	sample, err := r.source.Current(ctx)
	if err != nil {
		r.countSample("error")
		r.log.Warn().Err(err).Msg("read position")
		return
	}

	r.mu.Lock()
	if !r.admitLocked(sample) {
		r.mu.Unlock()
		r.countSample("throttled")
		return
	}
	s := sample
	r.lastSent = &s
	current := r.current
	rooms := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()

	if mode == ModeForeground {
		if current == "" {
			return
		}
		if err := r.deliverForeground(ctx, current, sample); err != nil {
			r.countSample("error")
			r.log.Warn().Err(err).Str("room_id", current).Msg("report location")
			return
		}
		r.countSample("sent")
		return
	}

	for _, roomID := range rooms {
		if err := r.poster.PostLocation(ctx, roomID, sample.Latitude, sample.Longitude, sample.Timestamp); err != nil {
			// One failing room must not starve the others.
			r.countSample("error")
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("report location")
			continue
		}
		r.countSample("sent")
	}
}

// deliverForeground records the sample over REST, then mirrors it on the
// signaling channel so room members see it live.
func (r *Reporter) deliverForeground(ctx context.Context, roomID string, sample Sample) error {
	if err := r.poster.PostLocation(ctx, roomID, sample.Latitude, sample.Longitude, sample.Timestamp); err != nil {
		return err
	}
	return r.sender.Send(protocol.LocationUpdate{
		Type:      protocol.TypeLocationUpdate,
		RoomID:    roomID,
		UserID:    r.userID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Timestamp: sample.Timestamp.UTC().Format(time.RFC3339),
	})
}

// admitLocked applies the movement and time throttle: after the first
// sample, an update goes out only when enough time elapsed since the last
// admitted one and the device also moved far enough. A stationary device
// goes silent no matter how long it waits.
func (r *Reporter) admitLocked(sample Sample) bool {
	if r.lastSent == nil {
		return true
	}
	if sample.Timestamp.Sub(r.lastSent.Timestamp) < r.cfg.MinSendInterval {
		return false
	}
	dist := geo.Distance(r.lastSent.Latitude, r.lastSent.Longitude, sample.Latitude, sample.Longitude)
	return dist >= r.cfg.MinDistanceMeters
}

func (r *Reporter) countSample(outcome string) {
	if r.metrics != nil {
		r.metrics.LocationSamples.WithLabelValues(outcome).Inc()
	}
}
