package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/advocateshub/session-relay/internal/auth"
	"github.com/advocateshub/session-relay/internal/booking"
)

// handleVideoToken serves GET /api/video_session/{booking_id}/video_token/:
// a room-scoped credential for the booking's video session, issued only to
// the booking's declared participants.
func (s *Server) handleVideoToken(w http.ResponseWriter, r *http.Request) {
	s.handleTokenRequest(w, r, func(token, bookingID string) any {
		return map[string]any{
			"token":      token,
			"room":       bookingID,
			"booking_id": bookingID,
		}
	})
}

// handleChatToken serves GET /api/video_session/{booking_id}/chat_token/.
// The chat channel shares the booking room; only the response shape differs.
func (s *Server) handleChatToken(w http.ResponseWriter, r *http.Request) {
	s.handleTokenRequest(w, r, func(token, bookingID string) any {
		return map[string]any{
			"token":      token,
			"channel":    bookingID,
			"booking_id": bookingID,
		}
	})
}

func (s *Server) handleTokenRequest(w http.ResponseWriter, r *http.Request, shape func(token, bookingID string) any) {
	bookingID := mux.Vars(r)["booking_id"]

	if s.issuer == nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "token signing not configured"})
		return
	}

	identity, err := s.requestIdentity(r)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
		return
	}

	b, err := s.bookings.Resolve(r.Context(), bookingID)
	if errors.Is(err, booking.ErrNotFound) {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "booking not found"})
		return
	}
	if err != nil {
		s.log.Error("booking_lookup_failed", "booking_id", bookingID, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to resolve booking"})
		return
	}
	if !b.IsParticipant(identity.ID) {
		WriteJSON(w, http.StatusForbidden, map[string]any{"error": "not a participant of this booking"})
		return
	}

	token, err := s.issuer.Mint(identity.ID, identity.Name, bookingID)
	if err != nil {
		s.log.Error("token_mint_failed", "booking_id", bookingID, "user_id", identity.ID, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue token"})
		return
	}

	WriteJSON(w, http.StatusOK, shape(token, bookingID))
}

// requestIdentity resolves the caller's platform identity from a bearer
// header or ?token=. Anonymous identities cannot request room tokens.
func (s *Server) requestIdentity(r *http.Request) (auth.Identity, error) {
	cred := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		cred = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := auth.CredentialFromQuery(r.URL.Query()); err == nil {
		cred = c
	}
	if cred == "" {
		return auth.Identity{}, auth.ErrMissingCredentials
	}
	if s.verifier == nil {
		return auth.Identity{}, auth.ErrInvalidToken
	}

	identity, err := s.verifier.Verify(cred)
	if err != nil {
		return auth.Identity{}, err
	}
	if identity.Anonymous || identity.ID == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return identity, nil
}
