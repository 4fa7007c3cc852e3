package roomsync

import (
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomcode"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/mcdev12/cuesync/go/internal/timer"
)

// Config holds the protocol timings of a Manager.
type Config struct {
	TickInterval      time.Duration // Local re-derivation of a running timer
	SyncInterval      time.Duration // Controller push / viewer pull cycle
	HandshakeInterval time.Duration // Spacing of state_request retries
	HandshakeAttempts int           // state_request attempts before giving up
	SnapshotTTL       time.Duration // Durable snapshot lifetime after a write
	ShareBaseURL      string        // Prefix of share URLs
	InboxSize         int           // Buffered session inbox
}

// DefaultConfig returns the standard protocol timings.
func DefaultConfig() Config {
	return Config{
		TickInterval:      timer.TickInterval,
		SyncInterval:      2 * time.Second,
		HandshakeInterval: 2 * time.Second,
		HandshakeAttempts: 5,
		SnapshotTTL:       store.DefaultTTL,
		ShareBaseURL:      "https://cuesync.app",
		InboxSize:         256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = d.HandshakeInterval
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = d.HandshakeAttempts
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = d.SnapshotTTL
	}
	if c.ShareBaseURL == "" {
		c.ShareBaseURL = d.ShareBaseURL
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// AlertFunc is the local completion side effect (sound, flash). It runs once
// per running to completed edge on this device; its error and panics are
// swallowed.
type AlertFunc func(models.TimerState) error

// Deps are the adapters a Manager runs on.
type Deps struct {
	Store      store.Store           // Durable snapshots
	Cache      *store.Memory         // Same-device cache shared by every session of the Manager
	Transport  transport.Broadcaster // Ephemeral room channel
	ChangeFeed store.ChangeFeed      // Optional write hints from the durable store
	Clock      timer.Clock
	Codes      *roomcode.Generator
	Metrics    MetricsCollector
	OnComplete AlertFunc
}
