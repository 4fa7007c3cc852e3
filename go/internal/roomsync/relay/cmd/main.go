package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/cuesync/go/internal/adapters"
	"github.com/mcdev12/cuesync/go/internal/config"
	"github.com/mcdev12/cuesync/go/internal/logging"
	"github.com/mcdev12/cuesync/go/internal/roomsync/relay"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	configPath := flag.String("config", os.Getenv("CUESYNC_CONFIG"), "path to YAML config")
	bridge := flag.Bool("nats-bridge", false, "bridge room channels onto NATS")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Console); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The memory driver leaves the state endpoint off: a relay process never
	// shares memory with devices.
	adapterSet, err := adapters.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open snapshot store")
	}
	defer adapterSet.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relayConfig := relay.DefaultConfig()
	if *bridge {
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.URL = cfg.Transport.NATSURL
		natsCfg.Name = "cuesync-relay"
		relayConfig.NATS = &natsCfg
	}

	relayService, err := relay.NewService(relayConfig, adapterSet.Store, nil, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create relay service")
	}

	log.Info().
		Str("port", cfg.Relay.Port).
		Str("store", cfg.Store.Driver).
		Bool("nats_bridge", *bridge).
		Msg("starting relay")

	server := setupServer(cfg, relayService, reg)

	go func() {
		if err := relayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("relay shutdown complete")
}

func setupServer(cfg *config.Config, relayService *relay.Service, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	relayService.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	return &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Relay.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		IdleTimeout: 120 * time.Second,
	}
}
