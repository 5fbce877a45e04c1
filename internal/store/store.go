// Package store persists chat messages for replay and history fetches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/advocateshub/session-relay/internal/booking"
)

// DefaultSenderName is used when a chat frame omits the sender display name.
const DefaultSenderName = "User"

// ChatMessage is one persisted chat entry for a booking.
//
// Messages are append-only: the relay never mutates or deletes them
// (retention is owned elsewhere).
type ChatMessage struct {
	ID         int64
	BookingID  string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
}

// Store is the durable chat log, ordered by server-assigned timestamp.
type Store struct {
	db       *sql.DB
	bookings booking.Lookup

	// now is injectable for deterministic timestamps in tests.
	now func() time.Time
}

// Open opens (creating if needed) the relay's SQLite database and returns a
// Store bound to it. The chat schema is created on open; the bookings table
// is created IF NOT EXISTS so dev environments work standalone, but in
// production it is owned and populated by the CRUD application.
func Open(path string, bookings booking.Lookup) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	// WAL keeps readers (history fetch, replay) from blocking appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, nil, err
	}

	if bookings == nil {
		bookings = booking.NewSQLLookup(db)
	}
	return New(db, bookings), db, nil
}

// New wraps an existing database handle. Callers own the handle's lifecycle.
func New(db *sql.DB, bookings booking.Lookup) *Store {
	return &Store{
		db:       db,
		bookings: bookings,
		now:      time.Now,
	}
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		lawyer_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT 'User',
		text TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (booking_id) REFERENCES bookings(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chat_booking_ts ON chat_messages(booking_id, timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Append resolves the booking, stamps the message with the server clock and
// persists it. It returns booking.ErrNotFound (wrapped) when the booking id
// does not resolve; the message is not stored in that case.
func (s *Store) Append(ctx context.Context, bookingID, senderID, senderName, text string) (ChatMessage, error) {
	b, err := s.bookings.Resolve(ctx, bookingID)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}

	if senderName == "" {
		senderName = DefaultSenderName
	}

	msg := ChatMessage{
		BookingID:  b.ID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  s.now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (booking_id, sender_id, sender_name, text, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.BookingID, msg.SenderID, msg.SenderName, msg.Text, msg.Timestamp,
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	return msg, nil
}

// Recent returns up to limit messages for the booking, oldest first.
//
// A booking that does not resolve yields an empty slice, not an error: the
// caller (replay, history endpoint) treats missing bookings as empty history.
func (s *Store) Recent(ctx context.Context, bookingID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		return []ChatMessage{}, nil
	}

	if _, err := s.bookings.Resolve(ctx, bookingID); err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return []ChatMessage{}, nil
		}
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, booking_id, sender_id, sender_name, text, timestamp
		 FROM chat_messages
		 WHERE booking_id = ?
		 ORDER BY timestamp ASC, id ASC
		 LIMIT ?`,
		bookingID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}
	defer rows.Close()

	msgs := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.BookingID, &m.SenderID, &m.SenderName, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("fetch chat history: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}
	return msgs, nil
}
