package models

import (
	"maps"
	"time"
)

// RoomState is the replicated aggregate. LastUpdatedAt is the only value
// reconciliation compares: the newer aggregate replaces the older one whole.
type RoomState struct {
	Room          Room          `json:"room"`
	Timer         TimerState    `json:"timer"`
	Presets       []Preset      `json:"presets"`
	Messages      []Message     `json:"messages"`
	Participants  []Participant `json:"participants"`
	LastUpdatedBy string        `json:"last_updated_by"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
}

// Clone returns a deep copy of the state.
func (s RoomState) Clone() RoomState {
	out := s
	out.Room.Settings = maps.Clone(s.Room.Settings)
	out.Timer.StartedAt = cloneTime(s.Timer.StartedAt)
	out.Timer.PausedAt = cloneTime(s.Timer.PausedAt)
	out.Presets = append([]Preset(nil), s.Presets...)
	out.Participants = append([]Participant(nil), s.Participants...)
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.ExpiresAt = cloneTime(m.ExpiresAt)
		out.Messages[i] = m
	}
	return out
}

// Participant returns the participant with the given id.
func (s *RoomState) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// UpsertParticipant adds p or replaces the entry with the same id. It
// reports whether p was newly added.
func (s *RoomState) UpsertParticipant(p Participant) bool {
	for i := range s.Participants {
		if s.Participants[i].ID == p.ID {
			s.Participants[i] = p
			return false
		}
	}
	s.Participants = append(s.Participants, p)
	return true
}

// RemoveParticipant drops the participant with the given id.
func (s *RoomState) RemoveParticipant(id string) bool {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Message returns a pointer to the stored message with the given id, or nil.
func (s *RoomState) Message(id string) *Message {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}

// VisibleMessages returns messages that have not been dismissed.
func (s RoomState) VisibleMessages() []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.Visible {
			out = append(out, m)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
