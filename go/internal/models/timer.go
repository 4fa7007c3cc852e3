package models

import (
	"time"
)

// TimerStatus defines the lifecycle status of a room timer.
type TimerStatus string

const (
	TimerStatusIdle      TimerStatus = "idle"
	TimerStatusRunning   TimerStatus = "running"
	TimerStatusPaused    TimerStatus = "paused"
	TimerStatusCompleted TimerStatus = "completed"
)

// TimerKind defines how elapsed and remaining time are presented.
type TimerKind string

const (
	TimerKindCountdown TimerKind = "countdown"
	TimerKindStopwatch TimerKind = "stopwatch"
	TimerKindCountup   TimerKind = "countup"
)

// Valid reports whether k is one of the known timer kinds.
func (k TimerKind) Valid() bool {
	switch k {
	case TimerKindCountdown, TimerKindStopwatch, TimerKindCountup:
		return true
	}
	return false
}

// TimerState is the replicated timer.
//
// While Status is running, Elapsed and Remaining are derived values: they are
// recomputed from StartedAt on every read and never trusted as stored truth.
// While paused they are frozen and authoritative until resume.
type TimerState struct {
	Status    TimerStatus   `json:"status"`
	Kind      TimerKind     `json:"kind"`
	Duration  time.Duration `json:"duration"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	PausedAt  *time.Time    `json:"paused_at,omitempty"`
	Label     string        `json:"label"`
}

// NewIdleTimer returns an idle countdown with the given target duration.
func NewIdleTimer(duration time.Duration) TimerState {
	return TimerState{
		Status:    TimerStatusIdle,
		Kind:      TimerKindCountdown,
		Duration:  duration,
		Remaining: duration,
	}
}

// Preset is a named duration shortcut. Presets are reference data and are
// never mutated after a room is created.
type Preset struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// DefaultPresets returns the presets every new room starts with.
func DefaultPresets() []Preset {
	return []Preset{
		{Name: "1 min", Duration: time.Minute},
		{Name: "3 min", Duration: 3 * time.Minute},
		{Name: "5 min", Duration: 5 * time.Minute},
		{Name: "10 min", Duration: 10 * time.Minute},
		{Name: "15 min", Duration: 15 * time.Minute},
		{Name: "30 min", Duration: 30 * time.Minute},
		{Name: "1 hour", Duration: time.Hour},
	}
}
