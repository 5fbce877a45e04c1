package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/advocateshub/session-relay/internal/store"
)

type historyMessage struct {
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
	SenderID   string `json:"senderId"`
	Timestamp  string `json:"timestamp"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
}

// handleHistory serves GET /api/video_session/{booking_id}/history/.
//
// An unknown booking yields an empty list, not a 404: the web client polls
// this endpoint before the booking row may exist.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]

	msgs, err := s.store.Recent(r.Context(), bookingID, s.cfg.HistoryReplayLimit)
	if err != nil {
		s.log.Error("history_load_failed", "booking_id", bookingID, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load history"})
		return
	}

	WriteJSON(w, http.StatusOK, historyResponse{Messages: historyMessages(msgs)})
}

func historyMessages(msgs []store.ChatMessage) []historyMessage {
	out := make([]historyMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, historyMessage{
			Text:       msg.Text,
			SenderName: msg.SenderName,
			SenderID:   msg.SenderID,
			Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
