package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	bridgeSubject  = "room.>"
	relayIDHeader  = "Cuesync-Relay"
	bridgeInbound  = "nats_to_ws"
	bridgeOutbound = "ws_to_nats"
)

// NATSBridge joins the relay's WebSocket channels with the NATS subjects of
// the same name, so devices on either transport share a room. Messages the
// bridge itself published carry its id in a header and are not looped
// back.
type NATSBridge struct {
	cm  *ConnectionManager
	nc  *nats.Conn
	id  string
	sub *nats.Subscription
}

func NewNATSBridge(cm *ConnectionManager, cfg transport.NATSConfig) (*NATSBridge, error) {
	nc, err := transport.ConnectNATS(cfg)
	if err != nil {
		return nil, err
	}
	return NewNATSBridgeFromConn(cm, nc), nil
}

func NewNATSBridgeFromConn(cm *ConnectionManager, nc *nats.Conn) *NATSBridge {
	b := &NATSBridge{cm: cm, nc: nc, id: uuid.NewString()}
	cm.onPublish = b.forward
	return b
}

// Start relays NATS messages to WebSocket subscribers until ctx is done.
func (b *NATSBridge) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe(bridgeSubject, b.deliver)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", bridgeSubject, err)
	}
	b.sub = sub
	log.Info().Str("relay_id", b.id).Str("subject", bridgeSubject).Msg("NATS bridge started")

	<-ctx.Done()
	log.Info().Msg("NATS bridge shutting down")
	return nil
}

func (b *NATSBridge) deliver(msg *nats.Msg) {
	if msg.Header.Get(relayIDHeader) == b.id {
		return
	}
	if _, ok := channelRoom(msg.Subject); !ok {
		return
	}
	var env transport.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode bridged envelope")
		return
	}
	b.cm.metrics.bridged.WithLabelValues(bridgeInbound).Inc()
	b.cm.Broadcast(msg.Subject, env)
}

func (b *NATSBridge) forward(channel string, env transport.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal bridged envelope")
		return
	}
	msg := nats.NewMsg(channel)
	msg.Header.Set(relayIDHeader, b.id)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		b.cm.metrics.dropped.WithLabelValues("bridge_publish").Inc()
		log.Warn().Err(err).Str("channel", channel).Msg("failed to forward envelope to NATS")
		return
	}
	b.cm.metrics.bridged.WithLabelValues(bridgeOutbound).Inc()
}

// Stop unsubscribes and closes the NATS connection.
func (b *NATSBridge) Stop() error {
	log.Info().Msg("stopping NATS bridge")
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("bridge unsubscribe failed")
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
