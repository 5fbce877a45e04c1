package signaling

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/advocateshub/session-relay/internal/booking"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/room"
	"github.com/advocateshub/session-relay/internal/store"
)

type fakeLookup map[string]booking.Booking

func (f fakeLookup) Resolve(_ context.Context, id string) (booking.Booking, error) {
	b, ok := f[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

type recordingMember struct {
	id string

	mu       sync.Mutex
	received [][]byte
	fail     error
}

func (m *recordingMember) ID() string { return m.id }

func (m *recordingMember) Deliver(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.received = append(m.received, data)
	return nil
}

func (m *recordingMember) frames(t *testing.T) []Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Frame, 0, len(m.received))
	for _, data := range m.received {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("invalid frame delivered: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func openTestStore(t *testing.T, bookings booking.Lookup) *store.Store {
	t.Helper()
	st, db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), bookings)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return st
}

// testSession is a Session stripped to the routing surface: HandleRaw only
// needs ID and BookingID from it.
func testSession(bookingID string) *Session {
	return &Session{id: "test-session", bookingID: bookingID}
}

func newTestRouter(t *testing.T, bookings booking.Lookup) (*Router, *room.Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	reg := room.NewRegistry(nil, m)
	st := openTestStore(t, bookings)
	return NewRouter(reg, st, m, nil), reg, m
}

func TestRouterRelaysSignalingVerbatim(t *testing.T) {
	rt, reg, m := newTestRouter(t, fakeLookup{})
	a := &recordingMember{id: "a"}
	b := &recordingMember{id: "b"}
	reg.Join(room.Topic("42"), a)
	reg.Join(room.Topic("42"), b)

	payload := `{"type":"offer","sdp":"v=0\r\n","extra":"forwarded"}`
	rt.HandleRaw(testSession("42"), []byte(`{"type":"offer","payload":`+payload+`}`))

	for _, member := range []*recordingMember{a, b} {
		frames := member.frames(t)
		if len(frames) != 1 {
			t.Fatalf("member %s got %d frames, want 1", member.id, len(frames))
		}
		if frames[0].Type != FrameTypeOffer {
			t.Fatalf("type = %q", frames[0].Type)
		}
		if string(frames[0].Payload) != payload {
			t.Fatalf("payload = %s, want %s", frames[0].Payload, payload)
		}
	}
	if got := m.Get(metrics.EventChatPersisted); got != 0 {
		t.Fatalf("signaling frame persisted: %d", got)
	}
}

func TestRouterChatPersistsThenBroadcasts(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	rt, reg, m := newTestRouter(t, bookings)
	a := &recordingMember{id: "a"}
	b := &recordingMember{id: "b"}
	reg.Join(room.Topic("42"), a)
	reg.Join(room.Topic("42"), b)

	rt.HandleRaw(testSession("42"), []byte(`{"type":"chat_message","payload":{"senderId":"7","senderName":"Alice","text":"hello"}}`))

	for _, member := range []*recordingMember{a, b} {
		frames := member.frames(t)
		if len(frames) != 1 {
			t.Fatalf("member %s got %d frames, want 1", member.id, len(frames))
		}
		var payload struct {
			Text       string  `json:"text"`
			SenderID   string  `json:"sender_id"`
			SenderName string  `json:"sender_name"`
			Timestamp  *string `json:"timestamp"`
		}
		if err := json.Unmarshal(frames[0].Payload, &payload); err != nil {
			t.Fatalf("chat payload: %v", err)
		}
		if payload.Text != "hello" || payload.SenderID != "7" || payload.SenderName != "Alice" {
			t.Fatalf("payload = %+v", payload)
		}
		if payload.Timestamp == nil {
			t.Fatalf("timestamp missing")
		}
	}

	msgs, err := rt.store.Recent(context.Background(), "42", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("stored = %+v", msgs)
	}
	if got := m.Get(metrics.EventChatPersisted); got != 1 {
		t.Fatalf("chat persisted counter = %d", got)
	}
}

func TestRouterChatPersistFailureSkipsBroadcast(t *testing.T) {
	// Empty lookup: the booking does not exist, so Append fails.
	rt, reg, m := newTestRouter(t, fakeLookup{})
	a := &recordingMember{id: "a"}
	reg.Join(room.Topic("42"), a)

	rt.HandleRaw(testSession("42"), []byte(`{"type":"chat_message","payload":{"senderId":"7","text":"hello"}}`))

	if frames := a.frames(t); len(frames) != 0 {
		t.Fatalf("broadcast despite persist failure: %d frames", len(frames))
	}
	if got := m.Get(metrics.DropReasonPersistenceFailure); got != 1 {
		t.Fatalf("persistence failure counter = %d", got)
	}
}

func TestRouterDropsMalformedAndUnknownFrames(t *testing.T) {
	rt, reg, m := newTestRouter(t, fakeLookup{})
	a := &recordingMember{id: "a"}
	reg.Join(room.Topic("42"), a)

	rt.HandleRaw(testSession("42"), []byte("not json"))
	rt.HandleRaw(testSession("42"), []byte(`{"type":"offer","payload":{"type":"offer"}}`))
	rt.HandleRaw(testSession("42"), []byte(`{"type":"screen_share","payload":{}}`))

	if frames := a.frames(t); len(frames) != 0 {
		t.Fatalf("dropped frames were broadcast: %d", len(frames))
	}
	if got := m.Get(metrics.DropReasonMalformedFrame); got != 2 {
		t.Fatalf("malformed counter = %d, want 2", got)
	}
	if got := m.Get(metrics.DropReasonUnknownFrameType); got != 1 {
		t.Fatalf("unknown type counter = %d, want 1", got)
	}
}

func TestRouterScopesBroadcastToBookingRoom(t *testing.T) {
	rt, reg, _ := newTestRouter(t, fakeLookup{})
	inRoom := &recordingMember{id: "in"}
	otherRoom := &recordingMember{id: "out"}
	reg.Join(room.Topic("42"), inRoom)
	reg.Join(room.Topic("43"), otherRoom)

	rt.HandleRaw(testSession("42"), []byte(`{"type":"ice_candidate","payload":{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}}`))

	if frames := inRoom.frames(t); len(frames) != 1 {
		t.Fatalf("room member got %d frames, want 1", len(frames))
	}
	if frames := otherRoom.frames(t); len(frames) != 0 {
		t.Fatalf("other room got %d frames, want 0", len(frames))
	}
}
