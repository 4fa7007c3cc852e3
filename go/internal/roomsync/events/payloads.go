package events

import (
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
)

// TimerStartPayload is the payload for a timer_start event
type TimerStartPayload struct {
	Duration time.Duration `json:"duration"`
	Label    string        `json:"label"`
}

// TimerPausePayload is the payload for a timer_pause event
type TimerPausePayload struct{}

// TimerResumePayload is the payload for a timer_resume event
type TimerResumePayload struct{}

// TimerStopPayload is the payload for a timer_stop event
type TimerStopPayload struct{}

// TimerResetPayload is the payload for a timer_reset event
type TimerResetPayload struct{}

// TimerSetPayload is the payload for a timer_set event. Nil fields are left
// unchanged.
type TimerSetPayload struct {
	Duration time.Duration     `json:"duration"`
	Label    *string           `json:"label,omitempty"`
	Kind     *models.TimerKind `json:"kind,omitempty"`
}

// TimerAddTimePayload is the payload for a timer_add_time event
type TimerAddTimePayload struct {
	Delta time.Duration `json:"delta"`
}

// MessageSendPayload is the payload for a message_send event
type MessageSendPayload struct {
	Message models.Message `json:"message"`
}

// MessageDismissPayload is the payload for a message_dismiss event
type MessageDismissPayload struct {
	MessageID string `json:"message_id"`
}

// SettingsUpdatePayload is the payload for a settings_update event. Keys are
// merged into the room settings; a nil value removes the key.
type SettingsUpdatePayload struct {
	Settings models.RoomSettings `json:"settings"`
}

// ParticipantJoinPayload is the payload for a participant_join event
type ParticipantJoinPayload struct {
	Participant models.Participant `json:"participant"`
}

// ParticipantLeavePayload is the payload for a participant_leave event
type ParticipantLeavePayload struct {
	ParticipantID string `json:"participant_id"`
}
