// Package roomsync replicates one room's state (a shared timer, broadcast
// messages and the participant list) across devices.
//
// Two paths carry state. The ephemeral room channel pushes every controller
// action as an event and the whole state after it; the durable store keeps a
// snapshot that viewers pull every sync cycle. Either path alone converges
// the room. Conflicts resolve last-writer-wins on the aggregate's
// LastUpdatedAt; concurrent controllers are not detected.
package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/cuesync/go/internal/identity"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomcode"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/mcdev12/cuesync/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// DefaultDuration is the target of a freshly created room's timer.
const DefaultDuration = 5 * time.Minute

// Manager creates and joins rooms on behalf of one device.
type Manager struct {
	cfg    Config
	deps   Deps
	device identity.Identity

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewManager returns a manager for device. Missing dependencies fall back
// to in-process implementations: a memory cache that doubles as the store,
// and a private hub.
func NewManager(cfg Config, deps Deps, device identity.Identity) *Manager {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = timer.NewRealClock()
	}
	if deps.Cache == nil {
		deps.Cache = store.NewMemory(deps.Clock)
	}
	if deps.Store == nil {
		deps.Store = deps.Cache
	}
	if deps.Transport == nil {
		deps.Transport = transport.NewHub()
	}
	if deps.Codes == nil {
		deps.Codes = roomcode.NewGenerator()
	}
	if deps.Metrics == nil {
		deps.Metrics = &NoOpMetricsCollector{}
	}
	if device.ID == "" {
		device = identity.New(device.Name, device.Device)
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		device:   device,
		sessions: make(map[*Session]struct{}),
	}
}

// Device returns the identity sessions of this manager join as.
func (m *Manager) Device() identity.Identity {
	return m.device
}

// CreateRoom creates a room under a fresh code and joins it as controller.
// It returns the session and the share URL of the room.
func (m *Manager) CreateRoom(ctx context.Context, name, creatorName string) (*Session, string, error) {
	code, err := m.deps.Codes.NewUnique(ctx, m.codeTaken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate room code: %w", err)
	}

	now := m.deps.Clock.Now()
	self := m.participant(creatorName, models.RoleController, now)
	state := newRoomState(code, name, self, now)

	s := m.start(state, self, false)
	log.Info().
		Str("room_code", code).
		Str("creator_id", self.ID).
		Msg("room created")
	return s, roomcode.ShareURL(m.cfg.ShareBaseURL, code), nil
}

// codeTaken checks the durable store for a code. Store failures count as
// free: a collision with an unreadable store is not worth failing creation.
func (m *Manager) codeTaken(ctx context.Context, code string) (bool, error) {
	exists, err := m.deps.Store.Exists(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("room_code", code).Str("op", "store_exists").Msg("room code check failed")
		m.deps.Metrics.RecordError("store_exists")
		return false, nil
	}
	return exists, nil
}

// JoinRoom joins the room with the given code.
//
// The room is looked up in the durable store, then in the same-device
// cache. A controller that finds neither creates the room under that code.
// A viewer that finds neither asks the room channel for state, and gets
// ErrRoomNotFound when nobody answers within the handshake window.
func (m *Manager) JoinRoom(ctx context.Context, code, participantName string, asController bool) (*Session, error) {
	code, err := roomcode.Normalize(code)
	if err != nil {
		return nil, err
	}
	role := models.RoleViewer
	if asController {
		role = models.RoleController
	}
	now := m.deps.Clock.Now()
	self := m.participant(participantName, role, now)

	state, source := m.resolve(ctx, code)
	switch {
	case source != "":
	case asController:
		state = newRoomState(code, code, self, now)
		source = "created"
	default:
		state, err = m.handshake(ctx, code, self)
		if err != nil {
			return nil, err
		}
		source = "handshake"
	}

	timer.Recompute(&state.Timer, m.deps.Clock.Now())
	s := m.start(state, self, source == "store")
	log.Info().
		Str("room_code", code).
		Str("participant_id", self.ID).
		Str("role", string(role)).
		Str("source", source).
		Msg("joined room")
	return s, nil
}

// resolve looks the room up in the durable store and then the local cache.
// An empty source means neither has it.
func (m *Manager) resolve(ctx context.Context, code string) (models.RoomState, string) {
	snap, err := m.deps.Store.Get(ctx, code)
	switch {
	case err == nil:
		return snap.State, "store"
	case !errors.Is(err, store.ErrNotFound):
		log.Warn().Err(err).Str("room_code", code).Str("op", "store_get").Msg("snapshot read failed")
		m.deps.Metrics.RecordError("store_get")
	}

	if m.deps.Store == store.Store(m.deps.Cache) {
		return models.RoomState{}, ""
	}
	snap, err = m.deps.Cache.Get(ctx, code)
	if err == nil {
		return snap.State, "cache"
	}
	return models.RoomState{}, ""
}

// handshake asks the room channel for state, retrying up to
// HandshakeAttempts times HandshakeInterval apart. The first state_sync
// seen wins.
func (m *Manager) handshake(ctx context.Context, code string, self models.Participant) (models.RoomState, error) {
	origin := uuid.NewString()
	replies := make(chan models.RoomState, 1)
	channel := transport.RoomChannel(code)

	sub, err := m.deps.Transport.Subscribe(ctx, channel, func(env transport.Envelope) {
		if env.Kind != transport.KindStateSync || env.State == nil || env.Origin == origin || env.RoomCode != code {
			return
		}
		select {
		case replies <- *env.State:
		default:
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("room_code", code).Str("op", "subscribe").Msg("handshake subscribe failed")
		m.deps.Metrics.RecordError("subscribe")
		m.deps.Metrics.RecordHandshake(false, 0)
		return models.RoomState{}, ErrRoomNotFound
	}
	defer sub.Unsubscribe()

	for attempt := 1; attempt <= m.cfg.HandshakeAttempts; attempt++ {
		req := transport.Envelope{
			Kind:     transport.KindStateRequest,
			RoomCode: code,
			Origin:   origin,
			SenderID: self.ID,
			SentAt:   m.deps.Clock.Now().UTC(),
		}
		if err := m.deps.Transport.Publish(ctx, channel, req); err != nil {
			log.Warn().Err(err).Str("room_code", code).Int("attempt", attempt).Msg("state request failed")
			m.deps.Metrics.RecordError("publish")
		}

		select {
		case state := <-replies:
			m.deps.Metrics.RecordHandshake(true, attempt)
			return state, nil
		case <-m.deps.Clock.After(m.cfg.HandshakeInterval):
		case <-ctx.Done():
			return models.RoomState{}, ctx.Err()
		}
		log.Debug().Str("room_code", code).Int("attempt", attempt).Msg("no state reply yet")
	}

	m.deps.Metrics.RecordHandshake(false, m.cfg.HandshakeAttempts)
	log.Info().Str("room_code", code).Msg("room not found")
	return models.RoomState{}, ErrRoomNotFound
}

func (m *Manager) start(state models.RoomState, self models.Participant, persistOnJoin bool) *Session {
	s := newSession(m.cfg, m.deps, state, self)
	s.persistOnJoin = persistOnJoin
	s.onLeave = m.forget

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	s.start()
	return s
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// Close leaves every session the manager started.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Leave(ctx)
	}
	return nil
}

func (m *Manager) participant(name string, role models.Role, now time.Time) models.Participant {
	id := m.device.WithRole(name, role)
	return models.Participant{
		ID:         id.ID,
		Name:       id.Name,
		Role:       role,
		JoinedAt:   now.UTC(),
		LastSeenAt: now.UTC(),
		Device:     id.Device,
	}
}

func newRoomState(code, name string, creator models.Participant, now time.Time) models.RoomState {
	return models.RoomState{
		Room: models.Room{
			Code:        code,
			Name:        name,
			CreatorID:   creator.ID,
			CreatorName: creator.Name,
			CreatedAt:   now.UTC(),
			Settings:    models.RoomSettings{},
		},
		Timer:         models.NewIdleTimer(DefaultDuration),
		Presets:       models.DefaultPresets(),
		Participants:  []models.Participant{creator},
		LastUpdatedBy: creator.ID,
		LastUpdatedAt: now.Round(0).UTC().Truncate(time.Microsecond),
	}
}
