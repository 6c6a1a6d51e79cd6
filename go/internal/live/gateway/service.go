// Package gateway assembles the live hub: connection registry, event
// loop, timer engine, bus consumer and the HTTP surface that exposes the
// WebSocket endpoint.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/consumer"
	"github.com/robocomp/fieldhub/go/internal/live/hub"
	"github.com/robocomp/fieldhub/go/internal/live/registry"
	"github.com/robocomp/fieldhub/go/internal/live/state"
)

// Config holds the assembled service's settings.
type Config struct {
	Connection   registry.Config
	Bus          consumer.Config
	BusEnabled   bool
	TickInterval time.Duration
	InboxDepth   int
}

// DefaultConfig returns production defaults: one second ticks, bus
// ingress enabled.
func DefaultConfig() Config {
	return Config{
		Connection:   registry.DefaultConfig(),
		Bus:          consumer.DefaultConfig(),
		BusEnabled:   true,
		TickInterval: time.Second,
		InboxDepth:   1024,
	}
}

// Service owns every moving part of the hub process.
type Service struct {
	registry  *registry.Registry
	hub       *hub.Hub
	wsHandler *WebSocketHandler
	bus       *consumer.Consumer
}

// NewService wires the hub together. The registry's event handler is the
// hub itself, so every frame read from a socket lands on the hub loop.
func NewService(cfg Config) (*Service, error) {
	reg := registry.New(cfg.Connection)
	store := state.NewStore(clockwork.NewRealClock())
	h := hub.New(reg, store, clockwork.NewRealClock(), cfg.TickInterval, cfg.InboxDepth)
	reg.SetHandler(h)

	s := &Service{
		registry:  reg,
		hub:       h,
		wsHandler: NewWebSocketHandler(reg, h),
	}

	if cfg.BusEnabled {
		bus, err := consumer.New(h, cfg.Bus)
		if err != nil {
			return nil, fmt.Errorf("create bus consumer: %w", err)
		}
		s.bus = bus
	}
	return s, nil
}

// Start runs the hub loop and bus consumer until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting live gateway")

	go s.hub.Run(ctx)

	if s.bus != nil {
		go func() {
			if err := s.bus.Start(ctx); err != nil {
				log.Error().Err(err).Msg("bus consumer failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("live gateway shutting down")
	return s.Stop()
}

// Stop shuts down external attachments.
func (s *Service) Stop() error {
	if s.bus != nil {
		s.bus.Stop()
	}
	log.Info().Msg("live gateway stopped")
	return nil
}

// RegisterRoutes attaches the WebSocket and stats routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Hub exposes the event loop for in-process senders.
func (s *Service) Hub() *hub.Hub { return s.hub }
