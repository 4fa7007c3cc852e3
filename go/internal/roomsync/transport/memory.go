package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const hubBufferSize = 256

// Hub is an in-process Broadcaster. Envelopes are JSON encoded on publish
// and decoded per subscriber, so subscribers never share memory with the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	next   int
	subs   map[string]map[int]*hubSub
	down   atomic.Bool
	closed bool
}

type hubSub struct {
	hub     *Hub
	channel string
	id      int
	ch      chan []byte
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*hubSub)}
}

// SetDown makes every Publish fail with ErrUnavailable until called with
// false. Subscriptions stay registered.
func (h *Hub) SetDown(down bool) {
	h.down.Store(down)
}

func (h *Hub) Publish(_ context.Context, channel string, env Envelope) error {
	if h.down.Load() {
		return ErrUnavailable
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrUnavailable
	}
	for _, sub := range h.subs[channel] {
		select {
		case sub.ch <- data:
		default:
			log.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping envelope")
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrUnavailable
	}

	sub := &hubSub{hub: h, channel: channel, id: h.next, ch: make(chan []byte, hubBufferSize)}
	h.next++
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]*hubSub)
	}
	h.subs[channel][sub.id] = sub

	go func() {
		for data := range sub.ch {
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("failed to decode envelope")
				continue
			}
			handler(env)
		}
	}()
	return sub, nil
}

// Subscribers reports how many subscriptions channel has.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close drops every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	h.subs = nil
	return nil
}

func (s *hubSub) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs, ok := s.hub.subs[s.channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.hub.subs, s.channel)
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
