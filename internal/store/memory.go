package store

import (
	"encoding/json"
	"sync"
)

// roomState is the mutable backing record for one room.
type roomState struct {
	participants []ParticipantKey
	document     string
	lastOutput   json.RawMessage
}

// MemoryStore is the in-process RoomStore. Rooms are created lazily on first
// reference and never evicted; an empty room keeps its last document.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	order []string // creation order, for reproducible listings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*roomState)}
}

func (s *MemoryStore) GetOrCreate(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		st = &roomState{}
		s.rooms[roomID] = st
		s.order = append(s.order, roomID)
	}
	return snapshot(roomID, st), !ok
}

func (s *MemoryStore) Get(roomID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return snapshot(roomID, st), true
}

func (s *MemoryStore) AddParticipant(roomID string, p ParticipantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, existing := range st.participants {
		if existing == p {
			return
		}
	}
	st.participants = append(st.participants, p)
}

func (s *MemoryStore) RemoveParticipant(roomID string, p ParticipantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for i, existing := range st.participants {
		if existing == p {
			st.participants = append(st.participants[:i], st.participants[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) Participants(roomID string) []ParticipantKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return copyParticipants(st.participants)
}

func (s *MemoryStore) SetDocument(roomID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.rooms[roomID]; ok {
		st.document = text
	}
}

func (s *MemoryStore) SetLastOutput(roomID string, out json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.rooms[roomID]; ok {
		st.lastOutput = append(json.RawMessage(nil), out...)
	}
}

func (s *MemoryStore) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// snapshot copies the state so callers never share slices with the store.
func snapshot(id string, st *roomState) Room {
	return Room{
		ID:           id,
		Participants: copyParticipants(st.participants),
		Document:     st.document,
		LastOutput:   append(json.RawMessage(nil), st.lastOutput...),
	}
}

func copyParticipants(in []ParticipantKey) []ParticipantKey {
	if len(in) == 0 {
		return nil
	}
	out := make([]ParticipantKey, len(in))
	copy(out, in)
	return out
}
