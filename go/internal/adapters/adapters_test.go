package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcdev12/cuesync/go/internal/config"
	"github.com/mcdev12/cuesync/go/internal/roomsync/relay"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MemoryDefaults(t *testing.T) {
	cfg := config.Default()
	set, err := Open(context.Background(), &cfg)
	require.NoError(t, err)
	defer set.Close()

	assert.Nil(t, set.Store)
	assert.Nil(t, set.ChangeFeed)
	assert.Nil(t, set.Transport)
}

func TestOpen_WebSocketTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := relay.NewService(relay.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	go svc.Start(ctx)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.Transport.Driver = config.TransportWebSocket
	cfg.Transport.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	set, err := Open(ctx, &cfg)
	require.NoError(t, err)
	require.IsType(t, &transport.WebSocket{}, set.Transport)
	set.Close()

	_, err = set.Transport.Subscribe(ctx, transport.RoomChannel("A7F3QZ"), func(transport.Envelope) {})
	require.NoError(t, err)
	assert.ErrorIs(t, set.Transport.Publish(ctx, transport.RoomChannel("A7F3QZ"), transport.Envelope{}), transport.ErrUnavailable)
}

func TestOpen_UnreachableRelay(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Driver = config.TransportWebSocket
	cfg.Transport.RelayURL = "ws://127.0.0.1:1/ws"

	_, err := Open(context.Background(), &cfg)
	assert.Error(t, err)
}
