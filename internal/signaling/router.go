package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/room"
	"github.com/advocateshub/session-relay/internal/store"
)

const persistTimeout = 5 * time.Second

// Router dispatches parsed frames from a session to the rest of its booking
// room. Signaling frames are relayed verbatim; chat frames are persisted
// first and only broadcast once the write succeeded, so every delivered chat
// message is also in history.
type Router struct {
	registry *room.Registry
	store    *store.Store
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRouter(registry *room.Registry, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		registry: registry,
		store:    st,
		metrics:  m,
		log:      logger,
	}
}

// HandleRaw parses one inbound WebSocket message from sess and routes it.
// Malformed and unknown frames are counted, logged, and dropped; they never
// terminate the session.
func (rt *Router) HandleRaw(sess *Session, data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		reason := metrics.DropReasonMalformedFrame
		if errors.Is(err, ErrUnknownFrameType) {
			reason = metrics.DropReasonUnknownFrameType
		}
		rt.metrics.Inc(reason)
		rt.log.Warn("frame_dropped",
			"booking_id", sess.BookingID(),
			"session_id", sess.ID(),
			"reason", reason,
			"error", err)
		return
	}

	switch frame.Type {
	case FrameTypeChatMessage:
		rt.handleChat(sess, frame)
	default:
		rt.relay(sess, frame)
	}
}

// relay fans a signaling frame out to every member of the room, the sender
// included. The browser peers already ignore their own echoed frames.
func (rt *Router) relay(sess *Session, frame Frame) {
	data, err := EncodeFrame(frame)
	if err != nil {
		rt.metrics.Inc(metrics.DropReasonMalformedFrame)
		rt.log.Warn("frame_encode_failed", "booking_id", sess.BookingID(), "error", err)
		return
	}
	rt.registry.Broadcast(room.Topic(sess.BookingID()), data)
}

func (rt *Router) handleChat(sess *Session, frame Frame) {
	chat := frame.Chat

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg, err := rt.store.Append(ctx, sess.BookingID(), chat.SenderID, chat.SenderName, chat.Text)
	if err != nil {
		rt.metrics.Inc(metrics.DropReasonPersistenceFailure)
		rt.log.Error("chat_persist_failed",
			"booking_id", sess.BookingID(),
			"session_id", sess.ID(),
			"error", err)
		return
	}
	rt.metrics.Inc(metrics.EventChatPersisted)

	data, err := EncodeChatFrame(msg)
	if err != nil {
		rt.log.Error("chat_encode_failed", "booking_id", sess.BookingID(), "error", err)
		return
	}
	rt.registry.Broadcast(room.Topic(sess.BookingID()), data)
}
