package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/advocateshub/session-relay/internal/booking"
	"github.com/advocateshub/session-relay/internal/config"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/room"
	"github.com/advocateshub/session-relay/internal/store"
	"github.com/advocateshub/session-relay/internal/tokens"
)

type wsTestEnv struct {
	srv      *httptest.Server
	store    *store.Store
	registry *room.Registry
	metrics  *metrics.Metrics
}

func newWSTestEnv(t *testing.T, cfg config.Config, bookings booking.Lookup) *wsTestEnv {
	t.Helper()
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = config.DefaultSendQueueSize
	}
	if cfg.HistoryReplayLimit == 0 {
		cfg.HistoryReplayLimit = config.DefaultHistoryReplay
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeNone
	}

	m := metrics.New()
	reg := room.NewRegistry(nil, m)
	st := openTestStore(t, bookings)
	rt := NewRouter(reg, st, m, nil)
	rp := NewReplayer(st, cfg.HistoryReplayLimit, m, nil)

	ws, err := NewWebSocketServer(cfg, reg, rt, rp, m, nil)
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}

	r := mux.NewRouter()
	r.Handle("/ws/video_session/{booking_id}/", ws).Methods(http.MethodGet)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsTestEnv{srv: srv, store: st, registry: reg, metrics: m}
}

func (e *wsTestEnv) dial(t *testing.T, bookingID, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dialRaw(bookingID, token)
	if err != nil {
		t.Fatalf("dial booking %s: %v (resp=%v)", bookingID, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *wsTestEnv) dialRaw(bookingID, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/video_session/" + bookingID + "/"
	if token != "" {
		url += "?token=" + token
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func chatText(t *testing.T, f Frame) (text, senderID, senderName string) {
	t.Helper()
	if f.Type != FrameTypeChatMessage {
		t.Fatalf("frame type = %q, want chat_message", f.Type)
	}
	var payload struct {
		Text       string `json:"text"`
		SenderID   string `json:"sender_id"`
		SenderName string `json:"sender_name"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("chat payload: %v", err)
	}
	return payload.Text, payload.SenderID, payload.SenderName
}

func TestChatBroadcastReachesWholeRoom(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	b := env.dial(t, "42", "")

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","senderName":"Alice","text":"hello room"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// Both peers receive the message; the sender gets its own echo.
	for _, conn := range []*websocket.Conn{a, b} {
		text, senderID, senderName := chatText(t, readFrame(t, conn))
		if text != "hello room" || senderID != "7" || senderName != "Alice" {
			t.Fatalf("got %q from %q (%q)", text, senderID, senderName)
		}
	}
}

func TestHistoryReplayOnJoin(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","senderName":"Alice","text":"hello"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	readFrame(t, a) // drain the live echo

	// A later joiner gets the backlog; existing members do not see it again.
	c := env.dial(t, "42", "")
	text, _, senderName := chatText(t, readFrame(t, c))
	if text != "hello" || senderName != "Alice" {
		t.Fatalf("replayed %q from %q", text, senderName)
	}
	expectNoFrame(t, a)
	expectNoFrame(t, c)
}

func TestSignalingForwardedVerbatimAndNotPersisted(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	b := env.dial(t, "42", "")

	offer := `{"type":"offer","payload":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(offer)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	f := readFrame(t, b)
	if f.Type != FrameTypeOffer {
		t.Fatalf("type = %q", f.Type)
	}

	msgs, err := env.store.Recent(context.Background(), "42", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("signaling frame persisted: %+v", msgs)
	}

	// A fresh joiner gets no backlog: only chat is replayed.
	c := env.dial(t, "42", "")
	expectNoFrame(t, c)
}

func TestRoomsAreIsolatedPerBooking(t *testing.T) {
	bookings := fakeLookup{
		"42": {ID: "42", ClientID: "7", LawyerID: "9"},
		"43": {ID: "43", ClientID: "8", LawyerID: "9"},
	}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	other := env.dial(t, "43", "")

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","text":"private"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	readFrame(t, a)
	expectNoFrame(t, other)
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense","payload":{}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// The session survives and still routes valid frames.
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","text":"still here"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	text, _, _ := chatText(t, readFrame(t, a))
	if text != "still here" {
		t.Fatalf("text = %q", text)
	}
}

func TestChatSenderNameDefaults(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{}, bookings)

	a := env.dial(t, "42", "")
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","text":"anon"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, _, senderName := chatText(t, readFrame(t, a))
	if senderName != store.DefaultSenderName {
		t.Fatalf("sender_name = %q, want %q", senderName, store.DefaultSenderName)
	}
}

func TestInvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "test-secret"}, bookings)

	_, resp, err := env.dialRaw("42", "garbage-token")
	if err == nil {
		t.Fatalf("dial succeeded with invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}

func TestRoomScopedTokenMustMatchBooking(t *testing.T) {
	bookings := fakeLookup{
		"42": {ID: "42", ClientID: "7", LawyerID: "9"},
		"43": {ID: "43", ClientID: "7", LawyerID: "9"},
	}
	env := newWSTestEnv(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "test-secret"}, bookings)

	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := issuer.Mint("7", "Alice", "42")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	conn := env.dial(t, "42", token)
	conn.Close()

	_, resp, err := env.dialRaw("43", token)
	if err == nil {
		t.Fatalf("dial succeeded with token scoped to another booking")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}

func TestMissingTokenConnectsAnonymously(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	env := newWSTestEnv(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "test-secret"}, bookings)

	a := env.dial(t, "42", "")
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","payload":{"senderId":"7","text":"anon ok"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	text, _, _ := chatText(t, readFrame(t, a))
	if text != "anon ok" {
		t.Fatalf("text = %q", text)
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	bookings := fakeLookup{"42": {ID: "42", ClientID: "7", LawyerID: "9"}}
	cfg := config.Config{MaxSignalingMessageBytes: 256}
	env := newWSTestEnv(t, cfg, bookings)

	a := env.dial(t, "42", "")
	big := `{"type":"chat_message","payload":{"senderId":"7","text":"` + strings.Repeat("x", 1024) + `"}}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				return
			}
			t.Fatalf("connection error = %v, want close 1009", err)
		}
	}
}
