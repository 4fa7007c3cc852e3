package models

import (
	"time"
)

// Severity defines how prominently a message should be shown.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityUrgent  Severity = "urgent"
)

// Message is a short-lived broadcast notice. Messages are hidden, never
// deleted, within a session.
type Message struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Severity   Severity   `json:"severity"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	SentAt     time.Time  `json:"sent_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Visible    bool       `json:"visible"`
}

// Expired reports whether the message is past its expiry instant.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
