package roomsync

import (
	"fmt"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
	"github.com/mcdev12/cuesync/go/internal/timer"
)

// replica is one device's copy of a room. It is not safe for concurrent use;
// a Session owns exactly one and only touches it from its loop.
type replica struct {
	state models.RoomState
	self  models.Participant
	seen  map[string]struct{} // message ids already surfaced to subscribers
}

// applyResult describes what applying an event or snapshot did.
type applyResult struct {
	changed   bool
	completed bool             // the timer just ran out on this device
	messages  []models.Message // messages this replica had not seen before
}

func newReplica(state models.RoomState, self models.Participant) *replica {
	r := &replica{state: state, self: self, seen: make(map[string]struct{})}
	for _, m := range state.Messages {
		r.seen[m.ID] = struct{}{}
	}
	r.state.UpsertParticipant(self)
	return r
}

// nextStamp returns the LastUpdatedAt a local write at now must carry:
// wall time at microsecond precision, strictly after the current stamp.
func (r *replica) nextStamp(now time.Time) time.Time {
	at := now.Round(0).UTC().Truncate(time.Microsecond)
	if !at.After(r.state.LastUpdatedAt) {
		at = r.state.LastUpdatedAt.Add(time.Microsecond)
	}
	return at
}

func (r *replica) stamp(at time.Time, by string) {
	r.state.LastUpdatedAt = at
	r.state.LastUpdatedBy = by
}

// apply runs one event against the replica. Timer transitions happen at the
// event's timestamp, then the timer is re-derived against now. Events that
// change shared state advance LastUpdatedAt to the event timestamp when it is
// newer; participant membership does not. An event stamped before the
// replica's LastUpdatedAt is already part of the state it holds and is
// ignored, except for membership changes.
func (r *replica) apply(ev events.RoomEvent, now time.Time) (applyResult, error) {
	var res applyResult
	payload, err := events.ParseEventPayload(ev)
	if err != nil {
		return res, err
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	if !ev.Type.IsMembership() && at.Before(r.state.LastUpdatedAt) {
		return res, nil
	}
	t := &r.state.Timer
	before := t.Status

	switch p := payload.(type) {
	case events.TimerStartPayload:
		if err := timer.Start(t, p.Duration, p.Label, at); err != nil {
			return res, err
		}
		res.changed = true
	case events.TimerPausePayload:
		res.changed = timer.Pause(t, at)
	case events.TimerResumePayload:
		res.changed = timer.Resume(t, at)
	case events.TimerStopPayload:
		res.changed = timer.Stop(t)
	case events.TimerResetPayload:
		res.changed = timer.Reset(t)
	case events.TimerSetPayload:
		if p.Kind != nil {
			timer.SetKind(t, *p.Kind)
		}
		if err := timer.Set(t, p.Duration, p.Label, at); err != nil {
			return res, err
		}
		res.changed = true
	case events.TimerAddTimePayload:
		timer.AddTime(t, p.Delta, at)
		res.changed = p.Delta != 0
	case events.MessageSendPayload:
		if m, ok := r.addMessage(p.Message); ok {
			res.messages = append(res.messages, m)
			res.changed = true
		}
	case events.MessageDismissPayload:
		if m := r.state.Message(p.MessageID); m != nil && m.Visible {
			m.Visible = false
			res.changed = true
		}
	case events.SettingsUpdatePayload:
		res.changed = r.mergeSettings(p.Settings)
	case events.ParticipantJoinPayload:
		if p.Participant.ID == r.self.ID {
			return res, nil
		}
		r.state.UpsertParticipant(p.Participant)
		return applyResult{changed: true}, nil
	case events.ParticipantLeavePayload:
		if p.ParticipantID == r.self.ID {
			return res, nil
		}
		return applyResult{changed: r.state.RemoveParticipant(p.ParticipantID)}, nil
	default:
		return res, fmt.Errorf("%w: %s", events.ErrUnknownEventType, ev.Type)
	}

	if ev.Type.IsTimer() {
		timer.Recompute(t, now)
		res.completed = before != models.TimerStatusCompleted && t.Status == models.TimerStatusCompleted
	}
	if res.changed && at.After(r.state.LastUpdatedAt) {
		r.stamp(at, ev.SenderID)
	}
	return res, nil
}

// merge adopts remote wholesale when it is strictly newer than the local
// copy, splicing this device's own participant entry back in.
func (r *replica) merge(remote models.RoomState, now time.Time) applyResult {
	var res applyResult
	if !remote.LastUpdatedAt.After(r.state.LastUpdatedAt) {
		return res
	}
	wasRunning := r.state.Timer.Status == models.TimerStatusRunning

	next := remote.Clone()
	next.UpsertParticipant(r.self)
	timer.Recompute(&next.Timer, now)
	r.state = next

	res.changed = true
	res.completed = wasRunning && next.Timer.Status == models.TimerStatusCompleted
	for _, m := range next.Messages {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = struct{}{}
		if m.Visible {
			res.messages = append(res.messages, m)
		}
	}
	return res
}

// tick re-derives a running timer.
func (r *replica) tick(now time.Time) applyResult {
	if r.state.Timer.Status != models.TimerStatusRunning {
		return applyResult{}
	}
	completed := timer.Recompute(&r.state.Timer, now)
	return applyResult{changed: true, completed: completed}
}

// touch refreshes this device's last-seen instant.
func (r *replica) touch(now time.Time) {
	r.self.LastSeenAt = now
	r.state.UpsertParticipant(r.self)
}

// addMessage records msg unless its id is already known. Receipt over the
// event path and over the message channel both land here.
func (r *replica) addMessage(msg models.Message) (models.Message, bool) {
	if _, ok := r.seen[msg.ID]; ok {
		return models.Message{}, false
	}
	if r.state.Message(msg.ID) != nil {
		r.seen[msg.ID] = struct{}{}
		return models.Message{}, false
	}
	msg.Visible = true
	r.seen[msg.ID] = struct{}{}
	r.state.Messages = append(r.state.Messages, msg)
	return msg, true
}

func (r *replica) mergeSettings(update models.RoomSettings) bool {
	if len(update) == 0 {
		return false
	}
	if r.state.Room.Settings == nil {
		r.state.Room.Settings = make(models.RoomSettings, len(update))
	}
	for k, v := range update {
		if v == nil {
			delete(r.state.Room.Settings, k)
			continue
		}
		r.state.Room.Settings[k] = v
	}
	return true
}
