package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/cuesync/go/internal/roomcode"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections and their channel
// subscriptions.
type ConnectionManager struct {
	// Subscribers per channel
	channels map[string]map[*Connection]bool
	conns    map[*Connection]bool
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	metrics  *Metrics

	broadcastCh chan BroadcastMessage

	// onPublish sees every envelope a client publishes; nil when the relay
	// is not bridged.
	onPublish func(channel string, env transport.Envelope)
}

// Connection represents a WebSocket connection to a device.
type Connection struct {
	ID          string
	RemoteAddr  string
	Conn        *websocket.Conn
	Send        chan []byte
	Manager     *ConnectionManager
	ConnectedAt time.Time

	channels map[string]bool // guarded by Manager.mu
	closed   bool            // guarded by Manager.mu
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is an envelope waiting to be delivered to a channel.
type BroadcastMessage struct {
	Channel  string
	Envelope transport.Envelope
}

// Stats is a point-in-time view of the relay's connections.
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveChannels     int            `json:"active_channels"`
	ChannelConnections map[string]int `json:"channel_connections"`
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  256 * 1024, // a full room state with its message history
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, metrics *Metrics) *ConnectionManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		channels: make(map[string]map[*Connection]bool),
		conns:    make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		metrics:     metrics,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start delivers queued broadcasts until ctx is done, then closes every
// connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  r.RemoteAddr,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
		channels:    make(map[string]bool),
	}
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[conn] = true
	cm.metrics.connections.Inc()
}

// unregisterConnection drops conn from every channel and closes its send
// queue. Safe to call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.closed {
		return
	}
	conn.closed = true
	for channel := range conn.channels {
		cm.removeFromChannel(conn, channel)
	}
	delete(cm.conns, conn)
	close(conn.Send)
	cm.metrics.connections.Dec()

	log.Info().
		Str("connection_id", conn.ID).
		Dur("connected_for", time.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) subscribe(conn *Connection, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn.closed {
		return
	}
	if cm.channels[channel] == nil {
		cm.channels[channel] = make(map[*Connection]bool)
	}
	cm.channels[channel][conn] = true
	conn.channels[channel] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("channel", channel).
		Int("subscribers", len(cm.channels[channel])).
		Msg("channel subscribed")
}

func (cm *ConnectionManager) unsubscribe(conn *Connection, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeFromChannel(conn, channel)
}

// removeFromChannel requires cm.mu held.
func (cm *ConnectionManager) removeFromChannel(conn *Connection, channel string) {
	delete(conn.channels, channel)
	if subs, ok := cm.channels[channel]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(cm.channels, channel)
		}
	}
}

// Broadcast queues env for every subscriber of channel, the publisher
// included: several sessions may share one connection and drop their own
// echo by origin.
func (cm *ConnectionManager) Broadcast(channel string, env transport.Envelope) {
	select {
	case cm.broadcastCh <- BroadcastMessage{Channel: channel, Envelope: env}:
	default:
		cm.metrics.dropped.WithLabelValues("broadcast_queue").Inc()
		log.Warn().Str("channel", channel).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.channels[message.Channel]))
	for conn := range cm.channels[message.Channel] {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	env := message.Envelope
	data, err := json.Marshal(transport.Frame{Op: transport.OpDeliver, Channel: message.Channel, Envelope: &env})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}

	for _, conn := range targets {
		if !cm.trySend(conn, data) {
			// Connection is slow or dead
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.metrics.dropped.WithLabelValues("slow_consumer").Inc()
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
	cm.metrics.deliveries.Add(float64(len(targets)))

	log.Debug().
		Str("kind", string(env.Kind)).
		Str("channel", message.Channel).
		Int("connections", len(targets)).
		Msg("envelope broadcasted")
}

// trySend queues data unless the connection is closed or its buffer full.
// A closed connection counts as sent.
func (cm *ConnectionManager) trySend(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if conn.closed {
		return true
	}
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int, len(cm.channels))
	for channel, conns := range cm.channels {
		counts[channel] = len(conns)
	}
	return Stats{
		TotalConnections:   len(cm.conns),
		ActiveChannels:     len(cm.channels),
		ChannelConnections: counts,
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.conns))
	for conn := range cm.conns {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading frames from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes a frame received from the device
func (c *Connection) handleClientMessage(message []byte) {
	var f transport.Frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.Manager.metrics.frames.WithLabelValues("invalid").Inc()
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring undecodable frame")
		return
	}
	code, ok := channelRoom(f.Channel)
	if !ok {
		c.Manager.metrics.frames.WithLabelValues("invalid").Inc()
		log.Debug().Str("connection_id", c.ID).Str("channel", f.Channel).Msg("ignoring frame for unknown channel")
		return
	}
	c.Manager.metrics.frames.WithLabelValues(string(f.Op)).Inc()

	switch f.Op {
	case transport.OpSubscribe:
		c.Manager.subscribe(c, f.Channel)
	case transport.OpUnsubscribe:
		c.Manager.unsubscribe(c, f.Channel)
	case transport.OpPublish:
		if f.Envelope == nil || f.Envelope.RoomCode != code {
			log.Debug().Str("connection_id", c.ID).Str("channel", f.Channel).Msg("ignoring publish for another room")
			return
		}
		c.Manager.Broadcast(f.Channel, *f.Envelope)
		if c.Manager.onPublish != nil {
			c.Manager.onPublish(f.Channel, *f.Envelope)
		}
	default:
		log.Debug().Str("connection_id", c.ID).Str("op", string(f.Op)).Msg("ignoring frame op")
	}
}

// channelRoom returns the room code of a room or message channel name.
func channelRoom(channel string) (string, bool) {
	parts := strings.Split(channel, ".")
	if len(parts) != 3 || parts[0] != "room" || !roomcode.Valid(parts[1]) {
		return "", false
	}
	switch channel {
	case transport.RoomChannel(parts[1]), transport.MessageChannel(parts[1]):
		return parts[1], true
	}
	return "", false
}
