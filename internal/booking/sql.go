package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLLookup resolves bookings from the platform's relational schema.
//
// The relay never writes to the bookings table; the CRUD application owns it.
type SQLLookup struct {
	db *sql.DB
}

func NewSQLLookup(db *sql.DB) *SQLLookup {
	return &SQLLookup{db: db}
}

func (l *SQLLookup) Resolve(ctx context.Context, id string) (Booking, error) {
	var b Booking
	err := l.db.QueryRowContext(ctx,
		`SELECT id, client_id, lawyer_id FROM bookings WHERE id = ?`, id,
	).Scan(&b.ID, &b.ClientID, &b.LawyerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("resolve booking %q: %w", id, err)
	}
	return b, nil
}
