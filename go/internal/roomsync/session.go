package roomsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/roomsync/transport"
	"github.com/mcdev12/cuesync/go/internal/timer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session is one device's membership in one room.
//
// A single goroutine owns the replicated state. It multiplexes the local
// clock tick, the sync cycle and an inbox of closures posted by transport
// callbacks, store results and API calls. Store and transport I/O runs in
// short-lived goroutines on copies and reports back through the inbox.
type Session struct {
	id   string // origin id on the wire, unique per session
	code string
	self models.Participant
	cfg  Config
	deps Deps
	log  zerolog.Logger

	rep       *replica // loop only
	published atomic.Pointer[models.RoomState]
	saveCh    chan store.Snapshot // latest unsaved snapshot
	pullCh    chan struct{}       // pending pull request
	outbox    chan outbound       // broadcasts in emission order

	// persistOnJoin writes the participant list back to the store once the
	// loop starts; set for viewers that recovered the room from it.
	persistOnJoin bool

	inbox    chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	tick     clockwork.Ticker
	syncTick clockwork.Ticker

	subMu     sync.Mutex
	nextSub   int
	stateSubs map[int]func(models.RoomState)
	msgSubs   map[int]func(models.Message)

	linkMu  sync.Mutex
	links   []transport.Subscription
	unwatch func()
	left    bool

	leaveOnce sync.Once
	onLeave   func(*Session)
}

func newSession(cfg Config, deps Deps, state models.RoomState, self models.Participant) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		code:      state.Room.Code,
		self:      self,
		cfg:       cfg,
		deps:      deps,
		rep:       newReplica(state, self),
		inbox:     make(chan func(), cfg.InboxSize),
		saveCh:    make(chan store.Snapshot, 1),
		pullCh:    make(chan struct{}, 1),
		outbox:    make(chan outbound, cfg.InboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		stateSubs: make(map[int]func(models.RoomState)),
		msgSubs:   make(map[int]func(models.Message)),
	}
	s.log = log.With().
		Str("room_code", s.code).
		Str("session_id", s.id).
		Str("role", string(self.Role)).
		Logger()
	s.storePublished()
	return s
}

// start runs the clock and sync loops, then connects to the room channel in
// the background so the timer ticks even when the transport is down.
func (s *Session) start() {
	s.tick = s.deps.Clock.NewTicker(s.cfg.TickInterval)
	s.syncTick = s.deps.Clock.NewTicker(s.cfg.SyncInterval)
	go s.run()
	go s.writer()
	go s.puller()
	go s.sender()
	go s.connect()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.tick.Stop()
	defer s.syncTick.Stop()

	s.log.Info().Msg("session started")
	switch {
	case s.IsController():
		s.onSync()
	case s.persistOnJoin:
		s.persist(s.rep.state.Clone())
	}
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("session stopped")
			return
		case <-s.tick.Chan():
			s.after(s.rep.tick(s.deps.Clock.Now()))
		case <-s.syncTick.Chan():
			s.onSync()
		case fn := <-s.inbox:
			fn()
		}
	}
}

func (s *Session) connect() {
	for _, channel := range []string{transport.RoomChannel(s.code), transport.MessageChannel(s.code)} {
		sub, err := s.deps.Transport.Subscribe(s.ctx, channel, s.onEnvelope)
		if err != nil {
			s.log.Warn().Err(err).Str("op", "subscribe").Str("channel", channel).Msg("transport subscribe failed")
			s.deps.Metrics.RecordError("subscribe")
			continue
		}
		s.addLink(sub)
	}

	if s.deps.ChangeFeed != nil && !s.IsController() {
		stop := s.deps.ChangeFeed.Watch(s.code, func() {
			s.post("change_hint", s.pull)
		})
		s.linkMu.Lock()
		if s.left {
			s.linkMu.Unlock()
			stop()
		} else {
			s.unwatch = stop
			s.linkMu.Unlock()
		}
	}

	ev, err := events.ParticipantJoin(s.code, s.deps.Clock.Now().UTC(), s.self)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build participant_join")
		return
	}
	s.publish(s.ctx, transport.RoomChannel(s.code), s.envelope(transport.KindTimerEvent, func(e *transport.Envelope) {
		e.Event = &ev
	}))
}

func (s *Session) addLink(sub transport.Subscription) {
	s.linkMu.Lock()
	if !s.left {
		s.links = append(s.links, sub)
		s.linkMu.Unlock()
		return
	}
	s.linkMu.Unlock()
	sub.Unsubscribe()
}

// onEnvelope runs on transport goroutines. It never blocks: work is posted
// to the inbox or dropped when the inbox is full.
func (s *Session) onEnvelope(env transport.Envelope) {
	if env.Origin == s.id || env.RoomCode != s.code {
		return
	}
	switch env.Kind {
	case transport.KindStateSync:
		if env.State == nil {
			return
		}
		state := *env.State
		s.post("state_sync", func() { s.adopt(state, "broadcast") })
	case transport.KindTimerEvent:
		if env.Event == nil {
			return
		}
		ev := *env.Event
		s.post("timer_event", func() { s.applyRemote(ev) })
	case transport.KindMessage:
		if env.Message == nil {
			return
		}
		msg := *env.Message
		s.post("message", func() { s.receiveMessage(msg) })
	case transport.KindStateRequest:
		s.post("state_request", s.answerStateRequest)
	}
}

func (s *Session) post(reason string, fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.inbox <- fn:
	default:
		s.deps.Metrics.RecordDropped(reason)
		s.log.Warn().Str("reason", reason).Msg("session inbox full, dropping")
	}
}

// postWait hands fn to the loop, waiting for room unless the session ends.
func (s *Session) postWait(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	errc := make(chan error, 1)
	select {
	case s.inbox <- func() { errc <- fn() }:
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) onSync() {
	start := time.Now()
	if s.IsController() {
		now := s.deps.Clock.Now()
		res := s.rep.tick(now)
		s.rep.touch(now)
		s.rep.stamp(s.rep.nextStamp(now), s.self.ID)
		s.after(applyResult{changed: true, completed: res.completed})

		state := s.rep.state.Clone()
		s.broadcastState(state)
		s.persist(state)
	} else {
		s.pull()
	}
	s.deps.Metrics.RecordSyncCycle(string(s.self.Role), time.Since(start))
}

// persist queues state for the writer. Only the newest queued snapshot is
// kept; one still unsaved is replaced.
func (s *Session) persist(state models.RoomState) {
	snap := store.NewSnapshot(state, s.deps.Clock.Now(), s.cfg.SnapshotTTL)
	for {
		select {
		case s.saveCh <- snap:
			return
		default:
		}
		select {
		case <-s.saveCh:
		default:
		}
	}
}

// writer saves queued snapshots to the same-device cache and the durable
// store.
func (s *Session) writer() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap := <-s.saveCh:
			if err := s.deps.Cache.Save(s.ctx, snap); err != nil {
				s.log.Warn().Err(err).Str("op", "cache_save").Msg("cache write failed")
			}
			if s.deps.Store == store.Store(s.deps.Cache) {
				continue
			}
			if err := s.deps.Store.Save(s.ctx, snap); err != nil && s.ctx.Err() == nil {
				s.log.Warn().Err(err).Str("op", "store_save").Msg("snapshot write failed")
				s.deps.Metrics.RecordError("store_save")
			}
		}
	}
}

// pull asks the puller for a fresh durable snapshot. Requests made while
// one is pending collapse into it.
func (s *Session) pull() {
	select {
	case s.pullCh <- struct{}{}:
	default:
	}
}

func (s *Session) puller() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pullCh:
		}
		snap, err := s.deps.Store.Get(s.ctx, s.code)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && s.ctx.Err() == nil {
				s.log.Warn().Err(err).Str("op", "store_get").Msg("snapshot read failed")
				s.deps.Metrics.RecordError("store_get")
			}
			continue
		}
		s.postWait(func() { s.adopt(snap.State, "store") })
	}
}

func (s *Session) adopt(state models.RoomState, source string) {
	res := s.rep.merge(state, s.deps.Clock.Now())
	s.deps.Metrics.RecordSnapshot(source, res.changed)
	if res.changed {
		s.log.Debug().
			Str("source", source).
			Time("last_updated_at", state.LastUpdatedAt).
			Str("timer_status", string(s.rep.state.Timer.Status)).
			Msg("adopted newer snapshot")
	}
	s.after(res)
}

func (s *Session) applyRemote(ev events.RoomEvent) {
	res, err := s.rep.apply(ev, s.deps.Clock.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Msg("failed to apply remote event")
		return
	}
	s.deps.Metrics.RecordEventApplied(string(ev.Type), "remote")
	s.after(res)
}

func (s *Session) answerStateRequest() {
	s.broadcastState(s.rep.state.Clone())
}

// act applies a locally originated event and emits it. build runs on the
// loop and receives the stamp the event must carry.
func (s *Session) act(ctx context.Context, build func(at time.Time) (events.RoomEvent, error)) error {
	return s.call(ctx, func() error {
		now := s.deps.Clock.Now()
		ev, err := build(s.rep.nextStamp(now))
		if err != nil {
			return err
		}
		res, err := s.rep.apply(ev, now)
		if err != nil {
			return err
		}
		if !res.changed {
			return nil
		}
		s.deps.Metrics.RecordEventApplied(string(ev.Type), "local")
		s.after(res)
		s.emit(ev, s.rep.state.Clone(), res.messages)
		return nil
	})
}

// emit sends one timer_event followed by the full state, and any new
// messages on the dedicated message channel alongside.
func (s *Session) emit(ev events.RoomEvent, state models.RoomState, msgs []models.Message) {
	room := transport.RoomChannel(s.code)
	s.enqueue(room, s.envelope(transport.KindTimerEvent, func(e *transport.Envelope) {
		e.Event = &ev
	}))
	s.enqueue(room, s.envelope(transport.KindStateSync, func(e *transport.Envelope) {
		e.State = &state
	}))
	for i := range msgs {
		msg := msgs[i]
		s.enqueue(transport.MessageChannel(s.code), s.envelope(transport.KindMessage, func(e *transport.Envelope) {
			e.Message = &msg
		}))
	}
}

func (s *Session) broadcastState(state models.RoomState) {
	s.enqueue(transport.RoomChannel(s.code), s.envelope(transport.KindStateSync, func(e *transport.Envelope) {
		e.State = &state
	}))
}

type outbound struct {
	channel string
	env     transport.Envelope
}

// enqueue hands an envelope to the sender without blocking the loop. When
// the transport has fallen that far behind the envelope is dropped; the next
// sync cycle carries the state again.
func (s *Session) enqueue(channel string, env transport.Envelope) {
	select {
	case s.outbox <- outbound{channel: channel, env: env}:
	default:
		s.log.Warn().Str("kind", string(env.Kind)).Msg("outbox full, dropping broadcast")
		s.deps.Metrics.RecordDropped("outbox_full")
	}
}

// sender publishes one envelope at a time so receivers see a session's
// broadcasts in the order its loop produced them.
func (s *Session) sender() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.outbox:
			s.publish(s.ctx, o.channel, o.env)
		}
	}
}

func (s *Session) envelope(kind transport.Kind, fill func(*transport.Envelope)) transport.Envelope {
	env := transport.Envelope{
		Kind:     kind,
		RoomCode: s.code,
		Origin:   s.id,
		SenderID: s.self.ID,
		SentAt:   s.deps.Clock.Now().UTC(),
	}
	if fill != nil {
		fill(&env)
	}
	return env
}

func (s *Session) publish(ctx context.Context, channel string, env transport.Envelope) {
	if err := s.deps.Transport.Publish(ctx, channel, env); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("op", "publish").Str("kind", string(env.Kind)).Msg("broadcast failed")
		s.deps.Metrics.RecordError("publish")
	}
}

// after publishes the outcome of a state change to readers, subscribers and
// the local alert.
func (s *Session) after(res applyResult) {
	if res.changed {
		s.storePublished()
		s.notifyState()
	}
	for _, m := range res.messages {
		s.notifyMessage(m)
	}
	if res.completed {
		s.alert()
	}
}

func (s *Session) storePublished() {
	state := s.rep.state.Clone()
	s.published.Store(&state)
}

func (s *Session) alert() {
	t := timer.Snapshot(s.rep.state.Timer, s.deps.Clock.Now())
	s.log.Info().Str("label", t.Label).Dur("duration", t.Duration).Msg("timer completed")
	if s.deps.OnComplete == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Debug().Interface("panic", r).Msg("completion alert panicked")
			}
		}()
		if err := s.deps.OnComplete(t); err != nil {
			s.log.Debug().Err(err).Msg("completion alert failed")
		}
	}()
}

// Leave announces departure, drops the transport subscriptions and stops
// both loops. It does not wait for in-flight I/O.
func (s *Session) Leave(ctx context.Context) error {
	first := false
	s.leaveOnce.Do(func() { first = true })
	if !first {
		return nil
	}

	ev, err := events.ParticipantLeave(s.code, s.self.ID, s.deps.Clock.Now().UTC())
	if err == nil {
		env := s.envelope(transport.KindTimerEvent, func(e *transport.Envelope) { e.Event = &ev })
		go s.publish(context.WithoutCancel(ctx), transport.RoomChannel(s.code), env)
	}

	s.cancel()

	s.linkMu.Lock()
	s.left = true
	links, unwatch := s.links, s.unwatch
	s.links, s.unwatch = nil, nil
	s.linkMu.Unlock()

	for _, sub := range links {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	if unwatch != nil {
		unwatch()
	}
	if s.onLeave != nil {
		s.onLeave(s)
	}
	s.log.Info().Msg("left room")
	return nil
}

// Done is closed once the session loop has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Code returns the room code.
func (s *Session) Code() string {
	return s.code
}

// Participant returns this device's entry in the room.
func (s *Session) Participant() models.Participant {
	return s.self
}

func (s *Session) IsController() bool {
	return s.self.Role == models.RoleController
}

// State returns a copy of the room with the timer derived at the current
// instant.
func (s *Session) State() models.RoomState {
	state := s.published.Load().Clone()
	state.Timer = timer.Snapshot(state.Timer, s.deps.Clock.Now())
	return state
}

// Subscribe registers fn for every state change. Callbacks run on the
// session loop and must not block. The returned func unregisters fn.
func (s *Session) Subscribe(fn func(models.RoomState)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.stateSubs, id)
	}
}

func (s *Session) notifyState() {
	s.subMu.Lock()
	fns := make([]func(models.RoomState), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(s.rep.state.Clone())
	}
}
