package roomsync

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
)

// ViewerHandle is the read side of a session. Every session offers it.
type ViewerHandle interface {
	Code() string
	State() models.RoomState
	IsController() bool
	Subscribe(fn func(models.RoomState)) (unsubscribe func())
	SubscribeToMessages(fn func(models.Message)) (unsubscribe func())
}

var _ ViewerHandle = (*Session)(nil)

// ControllerHandle adds the mutating operations. Only sessions joined with
// the controller role hand one out; the wire itself does not check roles.
type ControllerHandle struct {
	ViewerHandle
	s *Session
}

// Viewer returns the read-only side of the session.
func (s *Session) Viewer() ViewerHandle {
	return s
}

// Controller returns the mutating side of the session, or ErrNotController.
func (s *Session) Controller() (*ControllerHandle, error) {
	if !s.IsController() {
		return nil, ErrNotController
	}
	return &ControllerHandle{ViewerHandle: s, s: s}, nil
}

// Start runs the timer from zero at its current target and label.
func (c *ControllerHandle) Start(ctx context.Context) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		t := c.s.rep.state.Timer
		return events.TimerStart(c.s.code, c.s.self.ID, at, t.Duration, t.Label)
	})
}

// StartFor sets a new target and label and starts the timer.
func (c *ControllerHandle) StartFor(ctx context.Context, duration time.Duration, label string) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerStart(c.s.code, c.s.self.ID, at, duration, label)
	})
}

// StartPreset starts the timer with the named preset's duration.
func (c *ControllerHandle) StartPreset(ctx context.Context, name string) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		for _, p := range c.s.rep.state.Presets {
			if p.Name == name {
				return events.TimerStart(c.s.code, c.s.self.ID, at, p.Duration, p.Name)
			}
		}
		return events.RoomEvent{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	})
}

func (c *ControllerHandle) Pause(ctx context.Context) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerPause(c.s.code, c.s.self.ID, at)
	})
}

func (c *ControllerHandle) Resume(ctx context.Context) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerResume(c.s.code, c.s.self.ID, at)
	})
}

func (c *ControllerHandle) Stop(ctx context.Context) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerStop(c.s.code, c.s.self.ID, at)
	})
}

func (c *ControllerHandle) Reset(ctx context.Context) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerReset(c.s.code, c.s.self.ID, at)
	})
}

// SetTimer changes the target duration without starting the timer. A nil
// label keeps the current one.
func (c *ControllerHandle) SetTimer(ctx context.Context, duration time.Duration, label *string) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerSet(c.s.code, c.s.self.ID, at, events.TimerSetPayload{Duration: duration, Label: label})
	})
}

// SetKind switches between countdown, stopwatch and countup.
func (c *ControllerHandle) SetKind(ctx context.Context, kind models.TimerKind) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid timer kind %q", kind)
	}
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerSet(c.s.code, c.s.self.ID, at, events.TimerSetPayload{
			Duration: c.s.rep.state.Timer.Duration,
			Kind:     &kind,
		})
	})
}

// AddTime adjusts duration and remaining by delta in any status.
func (c *ControllerHandle) AddTime(ctx context.Context, delta time.Duration) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.TimerAddTime(c.s.code, c.s.self.ID, at, delta)
	})
}

// UpdateSettings merges settings into the room. A nil value removes a key.
func (c *ControllerHandle) UpdateSettings(ctx context.Context, settings models.RoomSettings) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.SettingsUpdate(c.s.code, c.s.self.ID, at, settings)
	})
}
