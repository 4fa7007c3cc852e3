// Package transport is the ephemeral broadcast channel between devices in a
// room. Delivery is best effort: no ordering across publishers, no
// persistence, no acknowledgement. Durable recovery is the store's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
)

// ErrUnavailable is returned by Publish when the channel cannot be reached.
var ErrUnavailable = errors.New("broadcast channel unavailable")

// Kind tags what an Envelope carries.
type Kind string

const (
	KindStateSync    Kind = "state_sync"
	KindTimerEvent   Kind = "timer_event"
	KindMessage      Kind = "message"
	KindStateRequest Kind = "state_request"
)

// Envelope is the unit published on a channel. Origin identifies the
// publishing session so a receiver can drop its own echo.
type Envelope struct {
	Kind     Kind              `json:"kind"`
	RoomCode string            `json:"room_code"`
	Origin   string            `json:"origin"`
	SenderID string            `json:"sender_id"`
	SentAt   time.Time         `json:"sent_at"`
	State    *models.RoomState `json:"state,omitempty"`
	Event    *events.RoomEvent `json:"event,omitempty"`
	Message  *models.Message   `json:"message,omitempty"`
}

// Handler receives envelopes from a subscription. Handlers run on the
// transport's goroutines and must not block.
type Handler func(Envelope)

type Subscription interface {
	Unsubscribe() error
}

// Broadcaster is a topic-based publish/subscribe channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}

// RoomChannel carries state syncs, timer events and state requests.
func RoomChannel(code string) string {
	return fmt.Sprintf("room.%s.events", code)
}

// MessageChannel carries broadcast messages only.
func MessageChannel(code string) string {
	return fmt.Sprintf("room.%s.messages", code)
}
