package signaling

import (
	"sync"

	"github.com/meshpath/meshpath-relay/internal/metrics"
)

// roomRegistry tracks which connections are members of which room. Rooms
// are keyed by the room public key and exist only while they have at least
// one member.
type roomRegistry struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*wsConn
	metrics *metrics.Metrics
}

func newRoomRegistry(m *metrics.Metrics) *roomRegistry {
	return &roomRegistry{
		rooms:   make(map[string]map[string]*wsConn),
		metrics: m,
	}
}

// join adds c to the room, creating it if needed, and returns the peer IDs
// that were already present.
func (r *roomRegistry) join(roomPub string, c *wsConn) (others []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomPub]
	if !ok {
		members = make(map[string]*wsConn)
		r.rooms[roomPub] = members
	}
	for id := range members {
		others = append(others, id)
	}
	members[c.id] = c
	r.metrics.Inc(metrics.PeerJoined)
	return others
}

// leave removes c from the room and deletes the room once it is empty.
func (r *roomRegistry) leave(roomPub string, c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomPub]
	if !ok {
		return
	}
	if _, present := members[c.id]; !present {
		return
	}
	delete(members, c.id)
	r.metrics.Inc(metrics.PeerLeft)
	if len(members) == 0 {
		delete(r.rooms, roomPub)
		r.metrics.Inc(metrics.RoomDeleted)
	}
}

// member returns the connection with the given peer ID if it is currently
// in the room, or nil.
func (r *roomRegistry) member(roomPub, peerID string) *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomPub][peerID]
}

// broadcast sends msg to every member of the room. When except is
// non-empty that peer is skipped.
func (r *roomRegistry) broadcast(roomPub string, msg *Message, except string) {
	r.mu.Lock()
	var targets []*wsConn
	for id, c := range r.rooms[roomPub] {
		if except != "" && id == except {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	raw := mustMarshal(msg)
	for _, c := range targets {
		c.sendRaw(raw)
	}
}

func (r *roomRegistry) roomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
