package mesh

import (
	"sort"
	"sync"

	"github.com/meshpath/meshpath-relay/internal/apperr"
	"github.com/meshpath/meshpath-relay/internal/keys"
)

// Room is a local room record. The room is identified by its encryption
// public key, which doubles as the key messages are sealed to; everyone
// holding the full key pair is a member. The signing half only
// authenticates to the live signaling endpoint.
type Room struct {
	Name string    `json:"name"`
	Keys keys.Pair `json:"keys"`
}

// ID returns the room identifier, the room encryption public key.
func (r Room) ID() string { return r.Keys.EPub }

// Message is a decrypted chat message as stored locally.
type Message struct {
	ID      string `json:"id"`
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	From    string `json:"fromPub"`
	SentAt  int64  `json:"sentAt"`
	Relay   string `json:"relay,omitempty"`
}

// Store persists rooms and decrypted messages for the orchestrator. The
// storage engine is pluggable; MemStore is the built-in implementation.
type Store interface {
	SaveRoom(room Room) error
	Rooms() ([]Room, error)
	Room(id string) (Room, error)
	// DeleteRoom removes a room and every message stored for it.
	DeleteRoom(id string) error

	SaveMessage(msg Message) error
	HasMessage(id string) (bool, error)
	Messages(roomID string) ([]Message, error)
}

// MemStore is an in-memory Store, safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	rooms    map[string]Room
	messages map[string]Message
}

func NewMemStore() *MemStore {
	return &MemStore{
		rooms:    make(map[string]Room),
		messages: make(map[string]Message),
	}
}

func (s *MemStore) SaveRoom(room Room) error {
	if room.ID() == "" {
		return apperr.Validation("room has no public key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID()] = room
	return nil
}

func (s *MemStore) Rooms() ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID() < rooms[j].ID() })
	return rooms, nil
}

func (s *MemStore) Room(id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return Room{}, apperr.NotFound("room not found")
	}
	return room, nil
}

func (s *MemStore) DeleteRoom(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return apperr.NotFound("room not found")
	}
	delete(s.rooms, id)
	for mid, m := range s.messages {
		if m.RoomID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemStore) SaveMessage(msg Message) error {
	if msg.ID == "" {
		return apperr.Validation("message has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return nil
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *MemStore) HasMessage(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

func (s *MemStore) Messages(roomID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}
