// Package signaling contains the per-booking WebSocket surface of the relay:
// frame parsing, the session connection lifecycle, chat/signaling dispatch
// and history replay.
//
// Media negotiation itself happens peer-to-peer in the browsers; the relay
// only forwards offers, answers and ICE candidates between the two
// participants of a booking and persists the chat messages interleaved with
// them.
package signaling
