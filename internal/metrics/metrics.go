package metrics

import "sync"

// Counter names used by the signaling gateway.
const (
	ConnectionsAccepted   = "connections_accepted"
	ConnectionsClosed     = "connections_closed"
	AuthFailure           = "auth_failure"
	RoomJoins             = "room_joins"
	RoomLeaves            = "room_leaves"
	SignalsRelayed        = "signals_relayed"
	SignalsDropped        = "signals_dropped"
	CustomMessages        = "custom_messages"
	DropReasonRateLimited = "rate_limited"
	ValidationFailure     = "validation_failure"
	SlowConsumerClosed    = "slow_consumer_closed"
)

// Metrics is a minimal, concurrency-safe counter registry, exposed in
// Prometheus' text format via PrometheusHandler.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
