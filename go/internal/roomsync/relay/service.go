// Package relay is a WebSocket fan-out server for room channels. Devices
// that cannot reach NATS publish and subscribe through it, and it serves
// durable room snapshots over HTTP.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
	// NATS bridges the relay onto a NATS server when set.
	NATS *transport.NATSConfig
}

func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// Service wires the connection manager, the optional NATS bridge and the
// state endpoint.
type Service struct {
	connectionManager *ConnectionManager
	stateHandler      *StateHandler
	bridge            *NATSBridge
}

// NewService creates the relay. snapshots may be nil, in which case the
// state endpoint is not registered.
func NewService(config Config, snapshots store.Store, clock clockwork.Clock, reg prometheus.Registerer) (*Service, error) {
	cm := NewConnectionManager(config.ConnectionConfig, NewMetrics(reg))
	s := &Service{connectionManager: cm}

	if snapshots != nil {
		s.stateHandler = NewStateHandler(snapshots, clock)
	}
	if config.NATS != nil {
		bridge, err := NewNATSBridge(cm, *config.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS bridge: %w", err)
		}
		s.bridge = bridge
	}
	return s, nil
}

// Start runs the relay until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Bool("bridged", s.bridge != nil).Msg("starting relay service")

	go s.connectionManager.Start(ctx)
	if s.bridge != nil {
		go func() {
			if err := s.bridge.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS bridge failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("relay service shutting down")
	return s.Stop()
}

func (s *Service) Stop() error {
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop NATS bridge")
		}
	}
	log.Info().Msg("relay service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleConnection)
	mux.HandleFunc("GET /ws/stats", s.HandleConnectionStats)
	if s.stateHandler != nil {
		s.stateHandler.RegisterStateRoutes(mux)
	}
	log.Info().Msg("relay routes registered")
}

// HandleConnection upgrades a device connection.
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r); err != nil {
		// the upgrader has already written the HTTP error
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

func (s *Service) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

func (s *Service) GetStats() Stats {
	return s.connectionManager.GetConnectionStats()
}
