package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/advocateshub/session-relay/internal/store"
)

type FrameType string

const (
	FrameTypeOffer        FrameType = "offer"
	FrameTypeAnswer       FrameType = "answer"
	FrameTypeICECandidate FrameType = "ice_candidate"
	FrameTypeChatMessage  FrameType = "chat_message"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame is one inbound signaling or chat message.
//
// Payload is kept raw: signaling payloads are forwarded verbatim, so the
// relay validates their shape at decode time but never rewrites them.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Chat is populated for FrameTypeChatMessage frames.
	Chat *ChatPayload `json:"-"`
}

// ChatPayload is the inbound chat frame payload sent by the web client.
type ChatPayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Text       string `json:"text"`
}

// chatBroadcast is the outbound chat payload shape shared by live broadcasts
// and history replay. Timestamp is ISO-8601 or null.
type chatBroadcast struct {
	Text       string  `json:"text"`
	SenderID   string  `json:"sender_id"`
	SenderName string  `json:"sender_name"`
	Timestamp  *string `json:"timestamp"`
}

// ParseFrame decodes and validates one inbound frame.
//
// Signaling payloads must decode into their WebRTC wire shapes
// (session description or ICE candidate init); chat payloads require
// senderId and text. Anything else fails with ErrMalformedFrame or
// ErrUnknownFrameType, which the session logs and drops without closing
// the connection.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformedFrame)
	}

	switch f.Type {
	case FrameTypeOffer, FrameTypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(f.Payload, &desc); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid session description: %v", ErrMalformedFrame, err)
		}
		if desc.SDP == "" {
			return Frame{}, fmt.Errorf("%w: missing sdp", ErrMalformedFrame)
		}
	case FrameTypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(f.Payload, &cand); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid ice candidate: %v", ErrMalformedFrame, err)
		}
	case FrameTypeChatMessage:
		var chat ChatPayload
		if err := json.Unmarshal(f.Payload, &chat); err != nil {
			return Frame{}, fmt.Errorf("%w: invalid chat payload: %v", ErrMalformedFrame, err)
		}
		if chat.SenderID == "" || chat.Text == "" {
			return Frame{}, fmt.Errorf("%w: chat payload requires senderId and text", ErrMalformedFrame)
		}
		f.Chat = &chat
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}

	return f, nil
}

// EncodeFrame re-marshals a parsed frame for fan-out. The payload bytes are
// forwarded as received.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(Frame{Type: f.Type, Payload: f.Payload})
}

// EncodeChatFrame builds the outbound chat_message frame for a persisted
// message, used for both live broadcast and history replay.
func EncodeChatFrame(msg store.ChatMessage) ([]byte, error) {
	var ts *string
	if !msg.Timestamp.IsZero() {
		formatted := msg.Timestamp.UTC().Format(time.RFC3339Nano)
		ts = &formatted
	}

	payload, err := json.Marshal(chatBroadcast{
		Text:       msg.Text,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  ts,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameTypeChatMessage, Payload: payload})
}
