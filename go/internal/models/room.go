package models

import (
	"time"
)

// Role defines what a participant is expected to do in a room.
type Role string

const (
	RoleController Role = "controller"
	RoleViewer     Role = "viewer"
)

// DeviceClass describes the kind of device a participant joined from.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDisplay DeviceClass = "display"
	DeviceUnknown DeviceClass = "unknown"
)

// RoomSettings holds display, theme and behavior flags. The replication
// protocol treats them as opaque.
type RoomSettings map[string]any

// Room represents a named, coded session.
type Room struct {
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	CreatorID   string       `json:"creator_id"`
	CreatorName string       `json:"creator_name"`
	CreatedAt   time.Time    `json:"created_at"`
	Settings    RoomSettings `json:"settings,omitempty"`
}

// Participant is a device that joined a room.
type Participant struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       Role        `json:"role"`
	JoinedAt   time.Time   `json:"joined_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
	Device     DeviceClass `json:"device"`
}
