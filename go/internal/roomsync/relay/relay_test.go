package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuesync/go/internal/identity"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	pollAt  = 5 * time.Millisecond
)

func startRelay(t *testing.T, snapshots store.Store, clock clockwork.Clock) (*Service, *httptest.Server) {
	t.Helper()
	svc, err := NewService(DefaultConfig(), snapshots, clock, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server) *transport.WebSocket {
	t.Helper()
	cfg := transport.DefaultWebSocketConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.ReconnectWait = 20 * time.Millisecond
	ws, err := transport.DialWebSocket(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitSubscribers(t *testing.T, svc *Service, channel string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.GetStats().ChannelConnections[channel] == want
	}, waitFor, pollAt)
}

type recorder struct {
	mu   sync.Mutex
	envs []transport.Envelope
}

func (r *recorder) handle(env transport.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) last() transport.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[len(r.envs)-1]
}

func TestRelay_FanOut(t *testing.T) {
	svc, srv := startRelay(t, nil, nil)
	a, b := dial(t, srv), dial(t, srv)
	ctx := context.Background()
	channel := transport.RoomChannel("A7F3QZ")

	var atA, atB recorder
	_, err := a.Subscribe(ctx, channel, atA.handle)
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, channel, atB.handle)
	require.NoError(t, err)
	waitSubscribers(t, svc, channel, 2)

	env := transport.Envelope{Kind: transport.KindStateRequest, RoomCode: "A7F3QZ", Origin: "a-session", SentAt: time.Now().UTC()}
	require.NoError(t, a.Publish(ctx, channel, env))

	// The publisher's connection gets the envelope too.
	require.Eventually(t, func() bool { return atA.len() == 1 && atB.len() == 1 }, waitFor, pollAt)
	assert.Equal(t, "a-session", atB.last().Origin)
	assert.Equal(t, transport.KindStateRequest, atB.last().Kind)

	require.NoError(t, subB.Unsubscribe())
	waitSubscribers(t, svc, channel, 1)
	require.NoError(t, a.Publish(ctx, channel, env))
	require.Eventually(t, func() bool { return atA.len() == 2 }, waitFor, pollAt)
	assert.Equal(t, 1, atB.len())
}

func TestRelay_RejectsForeignRoomPublish(t *testing.T) {
	svc, srv := startRelay(t, nil, nil)
	a, b := dial(t, srv), dial(t, srv)
	ctx := context.Background()
	channel := transport.RoomChannel("A7F3QZ")

	var atB recorder
	_, err := b.Subscribe(ctx, channel, atB.handle)
	require.NoError(t, err)
	waitSubscribers(t, svc, channel, 1)

	require.NoError(t, a.Publish(ctx, channel, transport.Envelope{Kind: transport.KindStateRequest, RoomCode: "BBBBBB"}))
	require.NoError(t, a.Publish(ctx, "system.shutdown", transport.Envelope{RoomCode: "A7F3QZ"}))
	require.NoError(t, a.Publish(ctx, channel, transport.Envelope{Kind: transport.KindStateRequest, RoomCode: "A7F3QZ"}))

	require.Eventually(t, func() bool { return atB.len() == 1 }, waitFor, pollAt)
	assert.Equal(t, "A7F3QZ", atB.last().RoomCode)
}

func TestRelay_SubscriberSharedByLocalHandlers(t *testing.T) {
	svc, srv := startRelay(t, nil, nil)
	a := dial(t, srv)
	ctx := context.Background()
	channel := transport.MessageChannel("A7F3QZ")

	var one, two recorder
	s1, err := a.Subscribe(ctx, channel, one.handle)
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, channel, two.handle)
	require.NoError(t, err)
	waitSubscribers(t, svc, channel, 1)

	// Dropping one local handler keeps the relay subscription.
	require.NoError(t, s1.Unsubscribe())
	require.NoError(t, a.Publish(ctx, channel, transport.Envelope{Kind: transport.KindMessage, RoomCode: "A7F3QZ"}))
	require.Eventually(t, func() bool { return two.len() == 1 }, waitFor, pollAt)
	assert.Equal(t, 0, one.len())
}

func TestChannelRoom(t *testing.T) {
	code, ok := channelRoom("room.A7F3QZ.events")
	assert.True(t, ok)
	assert.Equal(t, "A7F3QZ", code)

	_, ok = channelRoom("room.A7F3QZ.messages")
	assert.True(t, ok)

	for _, bad := range []string{"", "room.A7F3QZ", "room.a7f3qz.events", "room.A7F3QZ.other", "draft.A7F3QZ.events", "room.A7F3QZ.events.x"} {
		_, ok := channelRoom(bad)
		assert.False(t, ok, bad)
	}
}

func TestStateHandler(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	startedAt := clock.Now().Add(-3 * time.Second)
	state := models.RoomState{
		Room: models.Room{Code: "A7F3QZ", Name: "Keynote"},
		Timer: models.TimerState{
			Status:    models.TimerStatusRunning,
			Kind:      models.TimerKindCountdown,
			Duration:  5 * time.Minute,
			Remaining: 5 * time.Minute,
			StartedAt: &startedAt,
		},
		LastUpdatedAt: startedAt,
	}
	require.NoError(t, mem.Save(context.Background(), store.NewSnapshot(state, clock.Now(), time.Hour)))

	mux := http.NewServeMux()
	NewStateHandler(mem, clock).RegisterStateRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/a7f3qz/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp RoomStateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Keynote", resp.State.Room.Name)
	assert.Equal(t, 297*time.Second, resp.State.Timer.Remaining)
	assert.True(t, resp.ExpiresAt.Equal(clock.Now().Add(time.Hour)))

	tests := []struct {
		path string
		want int
	}{
		{"/api/rooms/ZZZZZZ/state", http.StatusNotFound},
		{"/api/rooms/nope/state", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
}

// Two devices with nothing but the relay between them share a room.
func TestRelay_RoomOverWebSocket(t *testing.T) {
	svc, srv := startRelay(t, nil, nil)
	ctx := context.Background()
	cfg := roomsync.DefaultConfig()
	cfg.HandshakeInterval = 50 * time.Millisecond

	host := roomsync.NewManager(cfg, roomsync.Deps{Transport: dial(t, srv)}, identity.New("Host", models.DeviceDesktop))
	stage := roomsync.NewManager(cfg, roomsync.Deps{Transport: dial(t, srv)}, identity.New("Stage", models.DeviceDisplay))
	t.Cleanup(func() {
		host.Close(ctx)
		stage.Close(ctx)
	})

	hs, err := host.JoinRoom(ctx, "A7F3QZ", "Host", true)
	require.NoError(t, err)
	waitSubscribers(t, svc, transport.RoomChannel("A7F3QZ"), 1)

	ss, err := stage.JoinRoom(ctx, "A7F3QZ", "Stage", false)
	require.NoError(t, err)
	waitSubscribers(t, svc, transport.RoomChannel("A7F3QZ"), 2)

	ctrl, err := hs.Controller()
	require.NoError(t, err)
	require.NoError(t, ctrl.StartFor(ctx, 10*time.Minute, "Panel"))
	require.NoError(t, ctrl.Pause(ctx))

	require.Eventually(t, func() bool {
		return ss.State().Timer.Status == models.TimerStatusPaused
	}, waitFor, pollAt)
	assert.Equal(t, hs.State().Timer.Remaining, ss.State().Timer.Remaining)
	assert.Equal(t, "Panel", ss.State().Timer.Label)

	msg, err := ctrl.SendMessage(ctx, "Wrap up", models.SeverityUrgent, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := ss.State().VisibleMessages()
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	}, waitFor, pollAt)
}
