package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // Channel name to LISTEN on
	PingInterval  time.Duration // Keep-alive for an idle connection
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel: NotifyChannel,
		PingInterval:  90 * time.Second,
	}
}

// ChangeListener turns Postgres snapshot notifications into per-room hints.
// It implements ChangeFeed.
type ChangeListener struct {
	listener *pq.Listener
	cfg      ListenerConfig
	watchers *watchers
}

func NewChangeListener(cfg ListenerConfig) (*ChangeListener, error) {
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = NotifyChannel
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("snapshot listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for snapshot notifications")

	return &ChangeListener{
		listener: l,
		cfg:      cfg,
		watchers: newWatchers(),
	}, nil
}

// Watch implements ChangeFeed.
func (c *ChangeListener) Watch(code string, fn func()) func() {
	return c.watchers.add(code, fn)
}

// Start dispatches notifications until ctx is done.
func (c *ChangeListener) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("snapshot listener shutting down")
			return c.Stop()
		case note := <-c.listener.Notify:
			if note == nil {
				// connection was lost and re-established; notifications in
				// between are gone, the regular pull covers them
				continue
			}
			c.watchers.notify(note.Extra)
		case <-pingTicker.C:
			if err := c.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping snapshot listener")
			}
		}
	}
}

func (c *ChangeListener) Stop() error {
	return c.listener.Close()
}
