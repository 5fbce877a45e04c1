// Package booking resolves booking identities for the session relay.
//
// The surrounding platform owns the booking lifecycle (scheduling, payment,
// approval); the relay only needs to know whether a booking exists and who
// its two declared participants are.
package booking

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("booking not found")

// Booking is the relay's view of a confirmed booking: its identifier and the
// two declared participants.
type Booking struct {
	ID       string
	ClientID string
	LawyerID string
}

// IsParticipant reports whether the given identity is one of the booking's
// declared participants.
func (b Booking) IsParticipant(identity string) bool {
	if identity == "" {
		return false
	}
	return identity == b.ClientID || identity == b.LawyerID
}

// Lookup resolves bookings by id.
//
// Implementations return ErrNotFound when the id does not resolve; any other
// error indicates an infrastructure failure.
type Lookup interface {
	Resolve(ctx context.Context, id string) (Booking, error)
}
