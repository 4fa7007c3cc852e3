// Package adapters opens the snapshot store, change feed and broadcast
// transport named in the config.
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/cuesync/go/internal/config"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PurgeInterval is how often expired Postgres snapshots are deleted.
const PurgeInterval = time.Hour

// Set holds the opened adapters. A nil Store or Transport means the
// in-process default.
type Set struct {
	Store      store.Store
	ChangeFeed store.ChangeFeed
	Transport  transport.Broadcaster

	closers []func()
}

// Open opens every adapter the config names. On error, whatever was opened
// is closed again.
func Open(ctx context.Context, cfg *config.Config) (*Set, error) {
	s := &Set{}
	if err := s.openStore(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openChangeFeed(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openTransport(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenStore opens only the snapshot store.
func OpenStore(ctx context.Context, cfg *config.Config) (*Set, error) {
	s := &Set{}
	if err := s.openStore(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases adapters in reverse opening order.
func (s *Set) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Set) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.Store.Database.DSN())
		if err != nil {
			return err
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		purgeCtx, cancel := context.WithCancel(ctx)
		s.closers = append(s.closers, cancel)
		go purgeLoop(purgeCtx, pg)
		s.Store = pg

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		s.closers = append(s.closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		s.Store = store.NewRedis(rdb)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("snapshot store ready")
	return nil
}

func (s *Set) openChangeFeed(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.Driver != config.StorePostgres || !cfg.Store.Listen {
		return nil
	}
	lcfg := store.DefaultListenerConfig()
	lcfg.DatabaseURL = cfg.Store.Database.DSN()
	listener, err := store.NewChangeListener(lcfg)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := listener.Start(listenCtx); err != nil {
			log.Error().Err(err).Msg("snapshot listener stopped")
		}
	}()
	s.closers = append(s.closers, func() {
		cancel()
		<-done
	})
	s.ChangeFeed = listener
	return nil
}

func (s *Set) openTransport(ctx context.Context, cfg *config.Config) error {
	switch cfg.Transport.Driver {
	case config.TransportNATS:
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.URL = cfg.Transport.NATSURL
		nc, err := transport.NewNATS(natsCfg)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { nc.Close() })
		s.Transport = nc

	case config.TransportWebSocket:
		wsCfg := transport.DefaultWebSocketConfig()
		wsCfg.URL = cfg.Transport.RelayURL
		ws, err := transport.DialWebSocket(ctx, wsCfg)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { ws.Close() })
		s.Transport = ws
	}
	log.Info().Str("driver", cfg.Transport.Driver).Msg("broadcast transport ready")
	return nil
}

func purgeLoop(ctx context.Context, pg *store.Postgres) {
	ticker := time.NewTicker(PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to purge expired snapshots")
				continue
			}
			log.Info().Int64("purged", n).Msg("purged expired snapshots")
		}
	}
}
