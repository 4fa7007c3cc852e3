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
	"github.com/mcdev12/cuesync/go/internal/identity"
	"github.com/mcdev12/cuesync/go/internal/logging"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomcode"
	"github.com/mcdev12/cuesync/go/internal/roomsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("CUESYNC_CONFIG"), "path to YAML config")
	create := flag.String("create", "", "create a room with this name")
	join := flag.String("join", "", "join the room with this code or share URL")
	asController := flag.Bool("controller", false, "join with the controller role")
	name := flag.String("name", "", "participant name shown to the room")
	start := flag.Duration("start", 0, "start a countdown of this length once joined (controller only)")
	label := flag.String("label", "", "label for -start")
	message := flag.String("message", "", "send this message once joined (controller only)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	if (*create == "") == (*join == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -create or -join is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Console); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	device, err := identity.LoadOrCreate(cfg.Device.IdentityPath, cfg.Device.Class)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Device.IdentityPath).Msg("failed to load device identity")
	}
	if *name == "" {
		*name = cfg.Device.Name
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapterSet, err := adapters.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open adapters")
	}
	defer adapterSet.Close()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	manager := roomsync.NewManager(cfg.Roomsync(), roomsync.Deps{
		Store:      adapterSet.Store,
		Transport:  adapterSet.Transport,
		ChangeFeed: adapterSet.ChangeFeed,
		Metrics:    roomsync.NewPrometheusMetrics(prometheus.DefaultRegisterer),
		OnComplete: alert,
	}, device)

	session, err := enter(ctx, manager, *create, *join, *name, *asController)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to enter room")
	}

	session.Subscribe(logTimerChanges())
	session.SubscribeToMessages(func(m models.Message) {
		if m.Expired(time.Now()) {
			return
		}
		log.Info().
			Str("severity", string(m.Severity)).
			Str("from", m.SenderName).
			Str("text", m.Text).
			Msg("message")
	})

	if session.IsController() {
		if err := control(ctx, session, *start, *label, *message); err != nil {
			log.Error().Err(err).Msg("controller action failed")
		}
	}

	go reportRemaining(ctx, session)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-session.Done():
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := manager.Close(leaveCtx); err != nil {
		log.Error().Err(err).Msg("failed to leave room")
	}
	cancel()
	log.Info().Msg("device shutdown complete")
}

func enter(ctx context.Context, m *roomsync.Manager, create, join, name string, asController bool) (*roomsync.Session, error) {
	if create != "" {
		s, shareURL, err := m.CreateRoom(ctx, create, name)
		if err != nil {
			return nil, err
		}
		log.Info().Str("room_code", s.Code()).Str("share_url", shareURL).Msg("room ready")
		return s, nil
	}

	code := join
	if c, err := roomcode.FromShareURL(join); err == nil {
		code = c
	}
	return m.JoinRoom(ctx, code, name, asController)
}

func control(ctx context.Context, s *roomsync.Session, start time.Duration, label, message string) error {
	ctrl, err := s.Controller()
	if err != nil {
		return err
	}
	if start > 0 {
		if err := ctrl.StartFor(ctx, start, label); err != nil {
			return fmt.Errorf("failed to start timer: %w", err)
		}
	}
	if message != "" {
		if _, err := ctrl.SendMessage(ctx, message, models.SeverityInfo, 0); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// logTimerChanges logs timer status transitions.
func logTimerChanges() func(models.RoomState) {
	var last models.TimerStatus
	return func(s models.RoomState) {
		if s.Timer.Status == last {
			return
		}
		last = s.Timer.Status
		log.Info().
			Str("status", string(s.Timer.Status)).
			Str("label", s.Timer.Label).
			Dur("remaining", s.Timer.Remaining).
			Int("participants", len(s.Participants)).
			Msg("timer")
	}
}

func reportRemaining(ctx context.Context, s *roomsync.Session) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			t := s.State().Timer
			if t.Status != models.TimerStatusRunning {
				continue
			}
			log.Info().Str("remaining", t.Remaining.Round(time.Second).String()).Msg("running")
		}
	}
}

func alert(t models.TimerState) error {
	// terminal bell
	_, err := fmt.Fprint(os.Stderr, "\a")
	log.Info().Str("label", t.Label).Msg("time is up")
	return err
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics server starting")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
