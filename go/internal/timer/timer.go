// Package timer implements the shared timer state machine.
//
// Every function takes the instant it should act at instead of reading a
// clock, so the same transition gives the same result on every device that
// applies it. Elapsed and Remaining of a running timer are always derived from
// StartedAt; a resume re-anchors StartedAt rather than replaying the old one.
package timer

import (
	"errors"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
)

var ErrInvalidDuration = errors.New("timer duration must not be negative")

// Start runs the timer from zero with the given target duration.
func Start(t *models.TimerState, duration time.Duration, label string, now time.Time) error {
	if duration < 0 {
		return ErrInvalidDuration
	}
	if t.Kind == "" {
		t.Kind = models.TimerKindCountdown
	}
	started := now
	t.Status = models.TimerStatusRunning
	t.Duration = duration
	t.Elapsed = 0
	t.Remaining = duration
	t.StartedAt = &started
	t.PausedAt = nil
	t.Label = label
	return nil
}

// Pause freezes a running timer at the value derived for now. It reports
// whether the timer changed; a countdown that already ran out completes
// instead of pausing.
func Pause(t *models.TimerState, now time.Time) bool {
	if t.Status != models.TimerStatusRunning {
		return false
	}
	if Recompute(t, now) {
		return true
	}
	paused := now
	t.Status = models.TimerStatusPaused
	t.PausedAt = &paused
	return true
}

// Resume restarts a paused timer with StartedAt re-anchored so that the
// frozen value is what every reader derives at now.
func Resume(t *models.TimerState, now time.Time) bool {
	if t.Status != models.TimerStatusPaused {
		return false
	}
	elapsed := t.Elapsed
	if isCountdown(t) {
		elapsed = t.Duration - t.Remaining
	}
	if elapsed < 0 {
		elapsed = 0
	}
	started := now.Add(-elapsed)
	t.Status = models.TimerStatusRunning
	t.StartedAt = &started
	t.PausedAt = nil
	return true
}

// Stop returns the timer to idle at its configured duration.
func Stop(t *models.TimerState) bool {
	changed := t.Status != models.TimerStatusIdle || t.Remaining != t.Duration || t.Elapsed != 0
	t.Status = models.TimerStatusIdle
	t.StartedAt = nil
	t.PausedAt = nil
	t.Elapsed = 0
	t.Remaining = t.Duration
	return changed
}

// Reset is Stop under the name the controller surface uses for it.
func Reset(t *models.TimerState) bool {
	return Stop(t)
}

// Set changes the target duration without starting the timer. A running
// timer keeps its StartedAt and is re-derived against the new target; any
// other timer is reset to idle at the new duration.
func Set(t *models.TimerState, duration time.Duration, label *string, now time.Time) error {
	if duration < 0 {
		return ErrInvalidDuration
	}
	if label != nil {
		t.Label = *label
	}
	t.Duration = duration
	if t.Status == models.TimerStatusRunning {
		Recompute(t, now)
		return nil
	}
	t.Status = models.TimerStatusIdle
	t.StartedAt = nil
	t.PausedAt = nil
	t.Elapsed = 0
	t.Remaining = duration
	return nil
}

// SetKind switches how the timer counts.
func SetKind(t *models.TimerState, kind models.TimerKind) bool {
	if !kind.Valid() || t.Kind == kind {
		return false
	}
	t.Kind = kind
	return true
}

// AddTime adjusts both the target duration and the remaining time by delta.
// It is valid in any status.
func AddTime(t *models.TimerState, delta time.Duration, now time.Time) {
	t.Duration = clamp(t.Duration + delta)
	if t.Status == models.TimerStatusRunning {
		Recompute(t, now)
		return
	}
	t.Remaining = clamp(t.Remaining + delta)
}

// Recompute re-derives Elapsed and Remaining of a running timer from
// StartedAt. It reports true exactly when this call moved a countdown from
// running to completed.
func Recompute(t *models.TimerState, now time.Time) bool {
	if t.Status != models.TimerStatusRunning || t.StartedAt == nil {
		return false
	}
	elapsed := clamp(now.Sub(*t.StartedAt))
	remaining := t.Duration - elapsed
	t.Elapsed = elapsed

	if isCountdown(t) && remaining <= 0 {
		t.Status = models.TimerStatusCompleted
		t.Remaining = 0
		t.Elapsed = t.Duration
		t.PausedAt = nil
		return true
	}
	t.Remaining = clamp(remaining)
	return false
}

// Snapshot returns a copy of t derived at now without touching t.
func Snapshot(t models.TimerState, now time.Time) models.TimerState {
	t.StartedAt = copyTime(t.StartedAt)
	t.PausedAt = copyTime(t.PausedAt)
	Recompute(&t, now)
	return t
}

func isCountdown(t *models.TimerState) bool {
	return t.Kind == models.TimerKindCountdown || t.Kind == ""
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
