// Package room tracks which live session connections belong to which booking
// topic and fans frames out to them.
package room

import (
	"log/slog"
	"sync"

	"github.com/advocateshub/session-relay/internal/metrics"
)

// TopicPrefix namespaces booking-scoped topics, mirroring the channel naming
// used by the rest of the platform.
const TopicPrefix = "video_chat_"

// Topic derives the broadcast topic for a booking id. Exactly one topic
// exists per booking.
func Topic(bookingID string) string { return TopicPrefix + bookingID }

// Member is one registered session handle. The registry holds a weak
// membership reference only; the connection layer owns the handle and must
// Leave on close or broadcasts would target a dead handle.
type Member interface {
	// ID uniquely identifies this connection attempt. Two connections from the
	// same user are distinct members.
	ID() string

	// Deliver enqueues an outbound frame. It must not block: slow consumers are
	// the connection layer's problem, not the broadcaster's.
	Deliver(data []byte) error
}

// Registry is the process-wide topic -> members mapping.
//
// All methods are safe for concurrent use. The critical section covers only
// membership bookkeeping; delivery happens outside the lock against a
// snapshot, so sessions on other bookings never wait on a slow topic.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]map[Member]struct{}
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     log,
		metrics: m,
		topics:  make(map[string]map[Member]struct{}),
	}
}

// Join adds the member to the topic, creating the topic on first join.
// Joining twice with the same member is idempotent.
func (r *Registry) Join(topic string, m Member) {
	r.mu.Lock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[Member]struct{})
		r.topics[topic] = set
	}
	set[m] = struct{}{}
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventSessionJoined)
	r.log.Debug("session joined topic", "topic", topic, "member", m.ID())
}

// Leave removes the member from the topic. Empty topics are reclaimed
// immediately. Leaving twice, or leaving a topic never joined, is a no-op.
func (r *Registry) Leave(topic string, m Member) {
	r.mu.Lock()
	set, ok := r.topics[topic]
	if ok {
		if _, member := set[m]; member {
			delete(set, m)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
			r.mu.Unlock()
			r.metrics.Inc(metrics.EventSessionLeft)
			r.log.Debug("session left topic", "topic", topic, "member", m.ID())
			return
		}
	}
	r.mu.Unlock()
}

// Count returns the current number of members on a topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Broadcast delivers data to every member registered on the topic at call
// time, including the sender: a client sees an echo of its own chat message
// and is expected to reconcile it (the web client de-duplicates).
//
// Delivery is best-effort against the membership snapshot: a member that
// leaves mid-broadcast may or may not still receive the frame. A failed
// delivery never aborts the rest; the failing member is removed from the
// topic. Returns the number of successful deliveries.
func (r *Registry) Broadcast(topic string, data []byte) int {
	r.mu.Lock()
	set := r.topics[topic]
	members := make([]Member, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	r.mu.Unlock()

	delivered := 0
	for _, m := range members {
		if err := m.Deliver(data); err != nil {
			r.metrics.Inc(metrics.DropReasonDeliveryFailure)
			r.log.Warn("failed to deliver frame, removing member",
				"topic", topic, "member", m.ID(), "err", err)
			r.Leave(topic, m)
			continue
		}
		delivered++
	}

	r.metrics.Inc(metrics.EventFrameBroadcast)
	return delivered
}
