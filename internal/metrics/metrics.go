package metrics

import "sync"

// Event names. Names are intentionally simple; a follow-up metrics task can
// standardize and export these via Prometheus/OTel.
const (
	DropReasonMalformedFrame     = "malformed_frame"
	DropReasonUnknownFrameType   = "unknown_frame_type"
	DropReasonPersistenceFailure = "persistence_failure"
	DropReasonDeliveryFailure    = "delivery_failure"
	DropReasonSendQueueFull      = "send_queue_full"
	DropReasonRateLimited        = "rate_limited"
	DropReasonMessageTooLarge    = "message_too_large"

	EventSessionJoined   = "session_joined"
	EventSessionLeft     = "session_left"
	EventFrameBroadcast  = "frame_broadcast"
	EventChatPersisted   = "chat_persisted"
	EventHistoryReplayed = "history_replayed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production deployment is expected to plug into a real metrics backend;
// this type keeps the relay logic testable while still exposing counters for
// scraping.
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

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
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
