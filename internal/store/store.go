package store

import "encoding/json"

// ParticipantKey identifies a participant inside a room. The protocol keys
// membership by display name, so two connections joining the same room under
// the same name are indistinguishable. A stricter scheme (connection-scoped
// IDs) can be swapped in here without touching the router.
type ParticipantKey string

// Room is a point-in-time snapshot of one collaboration session.
type Room struct {
	ID           string
	Participants []ParticipantKey
	Document     string
	LastOutput   json.RawMessage
}

// RoomStore is the single source of truth for room state. Implementations
// must make every mutation immediately visible to the next read from any
// goroutine. Operations on unknown rooms or absent participants are no-ops,
// never errors.
type RoomStore interface {
	// GetOrCreate returns a snapshot of the room, creating it with empty
	// participants and an empty document if it was never referenced before.
	// The second return reports whether the room was just created.
	GetOrCreate(roomID string) (Room, bool)

	// Get returns a snapshot of the room if it exists.
	Get(roomID string) (Room, bool)

	// AddParticipant records a participant; adding a name already present
	// is a no-op.
	AddParticipant(roomID string, p ParticipantKey)

	// RemoveParticipant forgets a participant; removing a name not present
	// is a no-op. The room itself is retained even when it becomes empty.
	RemoveParticipant(roomID string, p ParticipantKey)

	// Participants returns the room's participants in join order.
	Participants(roomID string) []ParticipantKey

	// SetDocument replaces the room's document wholesale, last caller wins.
	// Unknown room ids are ignored.
	SetDocument(roomID, text string)

	// SetLastOutput replaces the room's most recent execution result.
	// Unknown room ids are ignored.
	SetLastOutput(roomID string, out json.RawMessage)

	// RoomIDs lists every room ever created, in creation order.
	RoomIDs() []string

	// Count reports the number of rooms ever created.
	Count() int
}
