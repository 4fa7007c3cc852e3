package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Frame is the relay wire unit. Clients send subscribe, unsubscribe and
// publish frames; the relay answers with deliver frames.
type Frame struct {
	Op       Op        `json:"op"`
	Channel  string    `json:"channel"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpDeliver     Op = "deliver"
)

// WebSocketConfig holds configuration for the relay client
type WebSocketConfig struct {
	URL           string // ws://host:port/ws
	WriteTimeout  time.Duration
	ReconnectWait time.Duration
	Header        http.Header
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:           "ws://localhost:8090/ws",
		WriteTimeout:  10 * time.Second,
		ReconnectWait: 2 * time.Second,
	}
}

// WebSocket is a Broadcaster backed by a single connection to a relay.
// Subscriptions survive reconnects; envelopes published while disconnected
// fail with ErrUnavailable.
type WebSocket struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer

	writeMu sync.Mutex
	subMu   sync.Mutex // orders subscribe and unsubscribe frames with subs
	mu      sync.RWMutex
	conn    *websocket.Conn
	next    int
	subs    map[string]map[int]Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket connects to the relay and starts the read loop. The
// connection is re-established in the background until Close.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	w := &WebSocket{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]map[int]Handler),
		done:   make(chan struct{}),
	}
	conn, _, err := w.dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	w.conn = conn
	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.run()
	return w, nil
}

func (w *WebSocket) Publish(_ context.Context, channel string, env Envelope) error {
	return w.write(Frame{Op: OpPublish, Channel: channel, Envelope: &env})
}

func (w *WebSocket) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.mu.Lock()
	first := len(w.subs[channel]) == 0
	if first {
		w.subs[channel] = make(map[int]Handler)
	}
	id := w.next
	w.next++
	w.subs[channel][id] = h
	w.mu.Unlock()

	sub := &wsSub{client: w, channel: channel, id: id}
	if first {
		if err := w.write(Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			// kept registered; the next reconnect replays it
			log.Warn().Err(err).Str("channel", channel).Msg("subscribe frame not sent")
		}
	}
	return sub, nil
}

// Close stops reconnecting and closes the connection.
func (w *WebSocket) Close() error {
	w.cancel()
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		w.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		conn.Close()
	}
	<-w.done
	return nil
}

func (w *WebSocket) write(f Frame) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return ErrUnavailable
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (w *WebSocket) run() {
	defer close(w.done)
	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			w.readLoop(conn)
		}

		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()

		if !w.reconnect() {
			return
		}
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				log.Warn().Err(err).Str("url", w.cfg.URL).Msg("relay connection lost")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Msg("failed to decode relay frame")
			continue
		}
		if f.Op != OpDeliver || f.Envelope == nil {
			continue
		}
		w.mu.RLock()
		handlers := make([]Handler, 0, len(w.subs[f.Channel]))
		for _, h := range w.subs[f.Channel] {
			handlers = append(handlers, h)
		}
		w.mu.RUnlock()
		for _, h := range handlers {
			h(*f.Envelope)
		}
	}
}

// reconnect dials until it succeeds or the client is closed, then replays
// subscriptions.
func (w *WebSocket) reconnect() bool {
	for {
		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(w.cfg.ReconnectWait):
		}

		conn, _, err := w.dialer.DialContext(w.ctx, w.cfg.URL, w.cfg.Header)
		if err != nil {
			log.Debug().Err(err).Str("url", w.cfg.URL).Msg("relay reconnect failed")
			continue
		}

		w.subMu.Lock()
		w.mu.Lock()
		if w.ctx.Err() != nil {
			w.mu.Unlock()
			w.subMu.Unlock()
			conn.Close()
			return false
		}
		w.conn = conn
		channels := make([]string, 0, len(w.subs))
		for ch := range w.subs {
			channels = append(channels, ch)
		}
		w.mu.Unlock()

		log.Info().Str("url", w.cfg.URL).Int("channels", len(channels)).Msg("relay reconnected")
		for _, ch := range channels {
			if err := w.write(Frame{Op: OpSubscribe, Channel: ch}); err != nil {
				log.Warn().Err(err).Str("channel", ch).Msg("failed to replay subscription")
			}
		}
		w.subMu.Unlock()
		return true
	}
}

type wsSub struct {
	client  *WebSocket
	channel string
	id      int
	once    sync.Once
}

func (s *wsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		w := s.client
		w.subMu.Lock()
		defer w.subMu.Unlock()

		w.mu.Lock()
		delete(w.subs[s.channel], s.id)
		last := len(w.subs[s.channel]) == 0
		if last {
			delete(w.subs, s.channel)
		}
		w.mu.Unlock()
		if last {
			err = w.write(Frame{Op: OpUnsubscribe, Channel: s.channel})
		}
	})
	return err
}
