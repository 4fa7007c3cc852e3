package roomsync

import "errors"

var (
	// ErrRoomNotFound is returned by JoinRoom when a viewer could not find
	// the room in any store and no device answered the handshake. It is
	// terminal; callers should not retry automatically.
	ErrRoomNotFound = errors.New("room not found")

	// ErrSessionClosed is returned by operations on a session that left.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotController is returned when a viewer asks for controller access.
	ErrNotController = errors.New("session is not a controller")

	// ErrUnknownPreset is returned when StartPreset names no preset.
	ErrUnknownPreset = errors.New("unknown preset")
)
