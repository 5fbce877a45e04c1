package signaling

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/room"
	"github.com/advocateshub/session-relay/internal/store"
)

// Replayer sends the persisted chat backlog to a member that just joined a
// room. Replay targets only the joining member; the rest of the room never
// sees the backlog again.
type Replayer struct {
	store   *store.Store
	limit   int
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewReplayer caps the backlog at limit messages (oldest first). A negative
// limit disables replay entirely.
func NewReplayer(st *store.Store, limit int, m *metrics.Metrics, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Replayer{
		store:   st,
		limit:   limit,
		metrics: m,
		log:     logger,
	}
}

// SendBacklog delivers the chat backlog for bookingID to member, oldest
// message first, using the same frame shape as live chat broadcasts. Delivery
// stops at the first failed member write.
func (r *Replayer) SendBacklog(ctx context.Context, bookingID string, member room.Member) error {
	if r.limit <= 0 {
		return nil
	}

	msgs, err := r.store.Recent(ctx, bookingID, r.limit)
	if err != nil {
		return fmt.Errorf("load chat backlog: %w", err)
	}

	for _, msg := range msgs {
		data, err := EncodeChatFrame(msg)
		if err != nil {
			return fmt.Errorf("encode backlog message %d: %w", msg.ID, err)
		}
		if err := member.Deliver(data); err != nil {
			return fmt.Errorf("deliver backlog message %d: %w", msg.ID, err)
		}
	}

	if len(msgs) > 0 {
		r.metrics.Inc(metrics.EventHistoryReplayed)
		r.log.Debug("history_replayed", "booking_id", bookingID, "messages", len(msgs))
	}
	return nil
}
