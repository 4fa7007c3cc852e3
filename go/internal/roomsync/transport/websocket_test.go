package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameLog is a relay stand-in that tracks which channels the client holds
// a relay subscription for, in the order frames arrive.
type frameLog struct {
	mu         sync.Mutex
	subscribed map[string]bool
	published  int
}

func (l *frameLog) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Errorf("decode frame: %v", err)
				return
			}
			l.mu.Lock()
			switch f.Op {
			case OpSubscribe:
				l.subscribed[f.Channel] = true
			case OpUnsubscribe:
				l.subscribed[f.Channel] = false
			case OpPublish:
				l.published++
			}
			l.mu.Unlock()
		}
	}
}

func (l *frameLog) state(channel string) (subscribed bool, published int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed[channel], l.published
}

func TestWebSocket_ResubscribeRacingUnsubscribe(t *testing.T) {
	relay := &frameLog{subscribed: make(map[string]bool)}
	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	cfg := DefaultWebSocketConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()
	ws, err := DialWebSocket(ctx, cfg)
	require.NoError(t, err)
	defer ws.Close()

	channel := RoomChannel("A7F3QZ")
	noop := func(Envelope) {}

	for i := 1; i <= 100; i++ {
		old, err := ws.Subscribe(ctx, channel, noop)
		require.NoError(t, err)

		var (
			wg    sync.WaitGroup
			fresh Subscription
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			old.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			fresh, _ = ws.Subscribe(ctx, channel, noop)
		}()
		wg.Wait()

		// A publish after both calls marks the point every earlier frame
		// has reached the relay.
		require.NoError(t, ws.Publish(ctx, channel, Envelope{Kind: KindStateRequest, RoomCode: "A7F3QZ"}))
		require.Eventually(t, func() bool {
			_, published := relay.state(channel)
			return published == i
		}, 2*time.Second, 5*time.Millisecond)

		subscribed, _ := relay.state(channel)
		assert.True(t, subscribed, "iteration %d: relay dropped a channel with a live handler", i)

		require.NoError(t, fresh.Unsubscribe())
	}
}
