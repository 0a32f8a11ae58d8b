package app

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/call"
	"github.com/enterpannet/rode-trip/internal/config"
	"github.com/enterpannet/rode-trip/internal/httpapi"
	"github.com/enterpannet/rode-trip/internal/location"
	"github.com/enterpannet/rode-trip/internal/observability"
	"github.com/enterpannet/rode-trip/internal/peer"
	"github.com/enterpannet/rode-trip/internal/rest"
	"github.com/enterpannet/rode-trip/internal/roomstate"
	"github.com/enterpannet/rode-trip/internal/signaling"
)

// BuildResult bundles every component of the trip client core.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Channel  *signaling.Channel
	Calls    *call.Machine
	Reporter *location.Reporter
	Rooms    *roomstate.Store
	Source   *location.ManualSource
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to stop loops and drop the
	// relay connection.
	Cleanup func() error
}

// Build wires the signaling channel, call machine, location reporter, room
// state and control API into one runnable core.
func Build(cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	clk := clock.New()

	restClient := rest.New(cfg.APIBaseURL, cfg.RequestTimeout, log.With().Str("component", "rest").Logger())

	channel, err := signaling.New(signaling.Options{
		URL:         cfg.WSURL,
		UserID:      cfg.UserID,
		Tokens:      restClient,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.MaxReconnectAttempts,
		Clock:       clk,
		Log:         log.With().Str("component", "signaling").Logger(),
		Metrics:     metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling channel init failed: %w", err)
	}

	media := peer.NewMedia(log.With().Str("component", "media").Logger())
	session := peer.NewSession(media, cfg.STUNServers, log.With().Str("component", "peer").Logger())

	calls := call.NewMachine(cfg.UserID, channel, session,
		clk, log.With().Str("component", "call").Logger(), metrics)

	rooms := roomstate.NewStore(clk)
	source := location.NewManualSource()

	reporter := location.NewReporter(location.Config{
		MinSendInterval:    cfg.MinSendInterval,
		MinDistanceMeters:  cfg.MinDistanceMeters,
		ForegroundInterval: cfg.ForegroundInterval,
		BackgroundInterval: cfg.BackgroundInterval,
	}, cfg.UserID, source, restClient, channel,
		clk, log.With().Str("component", "location").Logger(), metrics)

	// Every inbound relay event fans out to the call machine and the room
	// view; each ignores what the other consumes.
	channel.Subscribe(calls.HandleEvent)
	channel.Subscribe(rooms.HandleEvent)

	api := httpapi.New(cfg, channel, calls, reporter, rooms, source, metrics,
		log.With().Str("component", "httpapi").Logger())

	cleanup := func() error {
		reporter.Stop()
		if calls.Snapshot().State != call.StateIdle {
			if err := calls.End(); err != nil {
				log.Warn().Err(err).Msg("end call on shutdown")
			}
		}
		channel.Disconnect()
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Channel:  channel,
		Calls:    calls,
		Reporter: reporter,
		Rooms:    rooms,
		Source:   source,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
