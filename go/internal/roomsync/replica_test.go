package roomsync

import (
	"testing"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func participant(id string, role models.Role) models.Participant {
	return models.Participant{ID: id, Name: id, Role: role, JoinedAt: t0, LastSeenAt: t0, Device: models.DeviceDesktop}
}

func newTestReplicas(t *testing.T) (ctrl, viewer *replica) {
	t.Helper()
	c := participant("ctrl", models.RoleController)
	v := participant("viewer", models.RoleViewer)
	state := newRoomState("A7F3QZ", "Keynote", c, t0)
	return newReplica(state.Clone(), c), newReplica(state.Clone(), v)
}

func mustApply(t *testing.T, r *replica, ev events.RoomEvent, err error, now time.Time) applyResult {
	t.Helper()
	require.NoError(t, err)
	res, err := r.apply(ev, now)
	require.NoError(t, err)
	return res
}

func TestReplica_MergeAdoptsNewerKeepingSelf(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)

	at := ctrl.nextStamp(t0.Add(5 * time.Second))
	ev, err := events.TimerStart("A7F3QZ", "ctrl", at, time.Minute, "Intro")
	mustApply(t, ctrl, ev, err, t0.Add(5*time.Second))
	settings, err := events.SettingsUpdate("A7F3QZ", "ctrl", ctrl.nextStamp(t0.Add(6*time.Second)), models.RoomSettings{"theme": "dark"})
	mustApply(t, ctrl, settings, err, t0.Add(6*time.Second))

	require.True(t, ctrl.state.LastUpdatedAt.After(viewer.state.LastUpdatedAt))
	_, hasViewer := ctrl.state.Participant("viewer")
	require.False(t, hasViewer)

	res := viewer.merge(ctrl.state, t0.Add(5*time.Second))
	assert.True(t, res.changed)

	// Equal to the newer state except the viewer's own entry.
	got := viewer.state.Clone()
	assert.True(t, got.RemoveParticipant("viewer"))
	want := ctrl.state.Clone()
	assert.Equal(t, want, got)
}

func TestReplica_MergeIgnoresOlderAndEqual(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)
	stale := ctrl.state.Clone()

	ev, err := events.TimerStart("A7F3QZ", "ctrl", viewer.nextStamp(t0.Add(time.Second)), time.Minute, "")
	mustApply(t, viewer, ev, err, t0.Add(time.Second))

	assert.False(t, viewer.merge(stale, t0.Add(2*time.Second)).changed)
	assert.False(t, viewer.merge(viewer.state.Clone(), t0.Add(2*time.Second)).changed)
	assert.Equal(t, models.TimerStatusRunning, viewer.state.Timer.Status)
}

func TestReplica_RemoteEventStamping(t *testing.T) {
	_, viewer := newTestReplicas(t)
	before := viewer.state.LastUpdatedAt

	at := t0.Add(3 * time.Second)
	ev, err := events.TimerStart("A7F3QZ", "ctrl", at, time.Minute, "")
	mustApply(t, viewer, ev, err, at.Add(40*time.Millisecond))
	assert.True(t, viewer.state.LastUpdatedAt.Equal(at))
	assert.Equal(t, "ctrl", viewer.state.LastUpdatedBy)
	assert.Equal(t, time.Minute-40*time.Millisecond, viewer.state.Timer.Remaining)

	// Membership changes never move the stamp.
	join, err := events.ParticipantJoin("A7F3QZ", t0.Add(10*time.Second), participant("late", models.RoleViewer))
	res := mustApply(t, viewer, join, err, t0.Add(10*time.Second))
	assert.True(t, res.changed)
	assert.True(t, viewer.state.LastUpdatedAt.Equal(at))
	assert.True(t, viewer.state.LastUpdatedAt.After(before))

	leave, err := events.ParticipantLeave("A7F3QZ", "late", t0.Add(11*time.Second))
	mustApply(t, viewer, leave, err, t0.Add(11*time.Second))
	_, ok := viewer.state.Participant("late")
	assert.False(t, ok)
}

func TestReplica_IgnoresEventsOlderThanState(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)

	start, err := events.TimerStart("A7F3QZ", "ctrl", ctrl.nextStamp(t0.Add(time.Second)), 10*time.Minute, "")
	mustApply(t, ctrl, start, err, t0.Add(time.Second))
	pause, err := events.TimerPause("A7F3QZ", "ctrl", ctrl.nextStamp(t0.Add(2*time.Second)))
	mustApply(t, ctrl, pause, err, t0.Add(2*time.Second))
	resume, err := events.TimerResume("A7F3QZ", "ctrl", ctrl.nextStamp(t0.Add(3*time.Second)))
	mustApply(t, ctrl, resume, err, t0.Add(3*time.Second))

	// The snapshot after resume overtakes the pause event on its way here.
	mustApply(t, viewer, start, nil, t0.Add(time.Second))
	require.True(t, viewer.merge(ctrl.state, t0.Add(3*time.Second)).changed)

	res := mustApply(t, viewer, pause, nil, t0.Add(3*time.Second))
	assert.False(t, res.changed)
	assert.Equal(t, models.TimerStatusRunning, viewer.state.Timer.Status)
	assert.True(t, viewer.state.LastUpdatedAt.Equal(ctrl.state.LastUpdatedAt))

	// The trailing event carrying the snapshot's own stamp is still applied.
	res = mustApply(t, viewer, resume, nil, t0.Add(3*time.Second))
	assert.False(t, res.changed)
	assert.Equal(t, models.TimerStatusRunning, viewer.state.Timer.Status)

	// Membership is not ordered by the stamp.
	join, err := events.ParticipantJoin("A7F3QZ", t0, participant("late", models.RoleViewer))
	res = mustApply(t, viewer, join, err, t0.Add(3*time.Second))
	assert.True(t, res.changed)
	_, ok := viewer.state.Participant("late")
	assert.True(t, ok)
}

func TestReplica_IgnoresLeaveForSelf(t *testing.T) {
	_, viewer := newTestReplicas(t)
	leave, err := events.ParticipantLeave("A7F3QZ", "viewer", t0.Add(time.Second))
	res := mustApply(t, viewer, leave, err, t0.Add(time.Second))
	assert.False(t, res.changed)
	_, ok := viewer.state.Participant("viewer")
	assert.True(t, ok)
}

func TestReplica_NextStampIsMonotonic(t *testing.T) {
	ctrl, _ := newTestReplicas(t)
	a := ctrl.nextStamp(t0)
	assert.True(t, a.After(ctrl.state.LastUpdatedAt))
	ctrl.stamp(a, "ctrl")

	// A clock that stepped backwards still yields a newer stamp.
	b := ctrl.nextStamp(t0.Add(-time.Hour))
	assert.True(t, b.After(a))
	assert.Equal(t, time.Microsecond, b.Sub(a))
}

func TestReplica_MessageDedup(t *testing.T) {
	_, viewer := newTestReplicas(t)
	msg := models.Message{ID: "01HV0000000000000000000000", Text: "5 minutes left", Severity: models.SeverityWarning, SentAt: t0}

	ev, err := events.MessageSend("A7F3QZ", "ctrl", t0.Add(time.Second), msg)
	res := mustApply(t, viewer, ev, err, t0.Add(time.Second))
	require.Len(t, res.messages, 1)

	_, added := viewer.addMessage(msg)
	assert.False(t, added)
	res = mustApply(t, viewer, ev, nil, t0.Add(time.Second))
	assert.Empty(t, res.messages)

	assert.Len(t, viewer.state.VisibleMessages(), 1)
}

func TestReplica_MessageFromChannelThenEvent(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)
	msg := models.Message{ID: "01HV0000000000000000000001", Text: "Wrap up", SentAt: t0}

	got, added := viewer.addMessage(msg)
	require.True(t, added)
	assert.True(t, got.Visible)

	ev, err := events.MessageSend("A7F3QZ", "ctrl", ctrl.nextStamp(t0.Add(time.Second)), msg)
	mustApply(t, ctrl, ev, err, t0.Add(time.Second))

	// The snapshot carrying the same message must not surface it again.
	res := viewer.merge(ctrl.state, t0.Add(time.Second))
	assert.True(t, res.changed)
	assert.Empty(t, res.messages)
	assert.Len(t, viewer.state.Messages, 1)
}

func TestReplica_Dismiss(t *testing.T) {
	ctrl, _ := newTestReplicas(t)
	msg := models.Message{ID: "m1", Text: "Mic check", SentAt: t0}
	send, err := events.MessageSend("A7F3QZ", "ctrl", ctrl.nextStamp(t0), msg)
	mustApply(t, ctrl, send, err, t0)

	dismiss, err := events.MessageDismiss("A7F3QZ", "ctrl", ctrl.nextStamp(t0), "m1")
	res := mustApply(t, ctrl, dismiss, err, t0)
	assert.True(t, res.changed)
	assert.Empty(t, ctrl.state.VisibleMessages())
	assert.Len(t, ctrl.state.Messages, 1)

	res = mustApply(t, ctrl, dismiss, nil, t0)
	assert.False(t, res.changed)
}

func TestReplica_CompletionFiresOnce(t *testing.T) {
	ctrl, _ := newTestReplicas(t)
	at := ctrl.nextStamp(t0)
	ev, err := events.TimerStart("A7F3QZ", "ctrl", at, 3*time.Second, "")
	mustApply(t, ctrl, ev, err, at)

	assert.False(t, ctrl.tick(at.Add(2900*time.Millisecond)).completed)
	assert.True(t, ctrl.tick(at.Add(3*time.Second)).completed)
	assert.False(t, ctrl.tick(at.Add(3100*time.Millisecond)).completed)

	// A later snapshot re-applying the completed timer is not a new edge.
	other := ctrl.state.Clone()
	other.LastUpdatedAt = other.LastUpdatedAt.Add(time.Second)
	assert.False(t, ctrl.merge(other, at.Add(4*time.Second)).completed)
}

func TestReplica_MergeRedetectsCompletion(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)

	start, err := events.TimerStart("A7F3QZ", "ctrl", ctrl.nextStamp(t0), 10*time.Second, "")
	mustApply(t, ctrl, start, err, t0)
	mustApply(t, viewer, start, nil, t0)

	// Viewer misses ticks; the snapshot it recovers still says running.
	snap := ctrl.state.Clone()
	snap.LastUpdatedAt = snap.LastUpdatedAt.Add(time.Second)
	require.Equal(t, models.TimerStatusRunning, snap.Timer.Status)

	res := viewer.merge(snap, t0.Add(15*time.Second))
	assert.True(t, res.completed)
	assert.Equal(t, models.TimerStatusCompleted, viewer.state.Timer.Status)
	assert.Equal(t, time.Duration(0), viewer.state.Timer.Remaining)
}

func TestReplica_LateJoinerDoesNotAlert(t *testing.T) {
	ctrl, viewer := newTestReplicas(t)
	start, err := events.TimerStart("A7F3QZ", "ctrl", ctrl.nextStamp(t0), 10*time.Second, "")
	mustApply(t, ctrl, start, err, t0)

	res := viewer.merge(ctrl.state, t0.Add(time.Minute))
	assert.True(t, res.changed)
	assert.False(t, res.completed)
	assert.Equal(t, models.TimerStatusCompleted, viewer.state.Timer.Status)
}

func TestReplica_SettingsMerge(t *testing.T) {
	ctrl, _ := newTestReplicas(t)
	ev, err := events.SettingsUpdate("A7F3QZ", "ctrl", ctrl.nextStamp(t0), models.RoomSettings{"theme": "dark", "flash": true})
	mustApply(t, ctrl, ev, err, t0)

	ev, err = events.SettingsUpdate("A7F3QZ", "ctrl", ctrl.nextStamp(t0), models.RoomSettings{"flash": nil})
	mustApply(t, ctrl, ev, err, t0)

	assert.Equal(t, models.RoomSettings{"theme": "dark"}, ctrl.state.Room.Settings)
}

func TestReplica_InvalidEvent(t *testing.T) {
	ctrl, _ := newTestReplicas(t)
	_, err := ctrl.apply(events.RoomEvent{Type: "timer_explode", Timestamp: t0}, t0)
	assert.ErrorIs(t, err, events.ErrUnknownEventType)

	ev, err := events.TimerStart("A7F3QZ", "ctrl", t0, -time.Second, "")
	require.NoError(t, err)
	_, err = ctrl.apply(ev, t0)
	assert.Error(t, err)
}
