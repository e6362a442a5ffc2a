package metrics

import "sync"

// Event counter names used across the relay.
const (
	AuthSuccess        = "auth_success"
	AuthFailure        = "auth_failure"
	PeerJoined         = "peer_joined"
	PeerLeft           = "peer_left"
	RoomDeleted        = "room_deleted"
	SignalRelayed      = "signal_relayed"
	SignalDropped      = "signal_dropped"
	ChatBroadcast      = "chat_broadcast"
	PoolStored         = "pool_stored"
	PoolDedup          = "pool_dedup"
	PoolExpired        = "pool_expired"
	PoolFanoutDelivery = "pool_fanout_delivery"
	PoolFanoutFailure  = "pool_fanout_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a real metrics backend scrapes these through the
// Prometheus text handler; keeping the registry in-process keeps room
// lifecycle and pool logic testable without a metrics dependency.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
