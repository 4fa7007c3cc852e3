package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/cuesync/go/internal/models"
)

var ErrUnknownEventType = errors.New("unknown room event type")

// RoomEvent is the only mutation vocabulary of a room. Every state change is
// exactly one of these.
type RoomEvent struct {
	ID        string          `json:"id"`        // Event UUID
	RoomCode  string          `json:"room_code"` // Room the event belongs to
	Type      EventType       `json:"type"`      // Event type
	SenderID  string          `json:"sender_id"` // Participant that emitted it
	Timestamp time.Time       `json:"timestamp"` // Writer's instant; transitions are applied at it
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType represents the type of room event
type EventType string

const (
	EventTypeTimerStart       EventType = "timer_start"
	EventTypeTimerPause       EventType = "timer_pause"
	EventTypeTimerResume      EventType = "timer_resume"
	EventTypeTimerStop        EventType = "timer_stop"
	EventTypeTimerReset       EventType = "timer_reset"
	EventTypeTimerSet         EventType = "timer_set"
	EventTypeTimerAddTime     EventType = "timer_add_time"
	EventTypeMessageSend      EventType = "message_send"
	EventTypeMessageDismiss   EventType = "message_dismiss"
	EventTypeSettingsUpdate   EventType = "settings_update"
	EventTypeParticipantJoin  EventType = "participant_join"
	EventTypeParticipantLeave EventType = "participant_leave"
)

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeTimerStart, EventTypeTimerPause, EventTypeTimerResume,
		EventTypeTimerStop, EventTypeTimerReset, EventTypeTimerSet,
		EventTypeTimerAddTime, EventTypeMessageSend, EventTypeMessageDismiss,
		EventTypeSettingsUpdate, EventTypeParticipantJoin, EventTypeParticipantLeave:
		return true
	}
	return false
}

// IsTimer reports whether the event drives the timer state machine.
func (t EventType) IsTimer() bool {
	switch t {
	case EventTypeTimerStart, EventTypeTimerPause, EventTypeTimerResume,
		EventTypeTimerStop, EventTypeTimerReset, EventTypeTimerSet, EventTypeTimerAddTime:
		return true
	}
	return false
}

// IsMembership reports whether the event only changes the participant list.
func (t EventType) IsMembership() bool {
	return t == EventTypeParticipantJoin || t == EventTypeParticipantLeave
}

// New builds an event with a fresh id and the JSON encoding of payload.
func New(code, senderID string, eventType EventType, at time.Time, payload any) (RoomEvent, error) {
	if !eventType.Valid() {
		return RoomEvent{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return RoomEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return RoomEvent{
		ID:        uuid.NewString(),
		RoomCode:  code,
		Type:      eventType,
		SenderID:  senderID,
		Timestamp: at,
		Data:      data,
	}, nil
}

// TimerStart builds a timer_start event.
func TimerStart(code, senderID string, at time.Time, duration time.Duration, label string) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerStart, at, TimerStartPayload{Duration: duration, Label: label})
}

// TimerPause builds a timer_pause event.
func TimerPause(code, senderID string, at time.Time) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerPause, at, TimerPausePayload{})
}

// TimerResume builds a timer_resume event.
func TimerResume(code, senderID string, at time.Time) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerResume, at, TimerResumePayload{})
}

// TimerStop builds a timer_stop event.
func TimerStop(code, senderID string, at time.Time) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerStop, at, TimerStopPayload{})
}

// TimerReset builds a timer_reset event.
func TimerReset(code, senderID string, at time.Time) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerReset, at, TimerResetPayload{})
}

// TimerSet builds a timer_set event.
func TimerSet(code, senderID string, at time.Time, p TimerSetPayload) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerSet, at, p)
}

// TimerAddTime builds a timer_add_time event.
func TimerAddTime(code, senderID string, at time.Time, delta time.Duration) (RoomEvent, error) {
	return New(code, senderID, EventTypeTimerAddTime, at, TimerAddTimePayload{Delta: delta})
}

// MessageSend builds a message_send event.
func MessageSend(code, senderID string, at time.Time, msg models.Message) (RoomEvent, error) {
	return New(code, senderID, EventTypeMessageSend, at, MessageSendPayload{Message: msg})
}

// MessageDismiss builds a message_dismiss event.
func MessageDismiss(code, senderID string, at time.Time, messageID string) (RoomEvent, error) {
	return New(code, senderID, EventTypeMessageDismiss, at, MessageDismissPayload{MessageID: messageID})
}

// SettingsUpdate builds a settings_update event.
func SettingsUpdate(code, senderID string, at time.Time, settings models.RoomSettings) (RoomEvent, error) {
	return New(code, senderID, EventTypeSettingsUpdate, at, SettingsUpdatePayload{Settings: settings})
}

// ParticipantJoin builds a participant_join event.
func ParticipantJoin(code string, at time.Time, p models.Participant) (RoomEvent, error) {
	return New(code, p.ID, EventTypeParticipantJoin, at, ParticipantJoinPayload{Participant: p})
}

// ParticipantLeave builds a participant_leave event.
func ParticipantLeave(code, participantID string, at time.Time) (RoomEvent, error) {
	return New(code, participantID, EventTypeParticipantLeave, at, ParticipantLeavePayload{ParticipantID: participantID})
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event RoomEvent) (any, error) {
	switch event.Type {
	case EventTypeTimerStart:
		return decode[TimerStartPayload](event)
	case EventTypeTimerPause:
		return decode[TimerPausePayload](event)
	case EventTypeTimerResume:
		return decode[TimerResumePayload](event)
	case EventTypeTimerStop:
		return decode[TimerStopPayload](event)
	case EventTypeTimerReset:
		return decode[TimerResetPayload](event)
	case EventTypeTimerSet:
		return decode[TimerSetPayload](event)
	case EventTypeTimerAddTime:
		return decode[TimerAddTimePayload](event)
	case EventTypeMessageSend:
		return decode[MessageSendPayload](event)
	case EventTypeMessageDismiss:
		return decode[MessageDismissPayload](event)
	case EventTypeSettingsUpdate:
		return decode[SettingsUpdatePayload](event)
	case EventTypeParticipantJoin:
		return decode[ParticipantJoinPayload](event)
	case EventTypeParticipantLeave:
		return decode[ParticipantLeavePayload](event)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, event.Type)
	}
}

func decode[T any](event RoomEvent) (T, error) {
	var payload T
	if len(event.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal %s payload: %w", event.Type, err)
	}
	return payload, nil
}
