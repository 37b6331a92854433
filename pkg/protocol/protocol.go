// Package protocol defines the signaling protocol messages exchanged between
// pairloop clients and the server.
//
// All messages are JSON-encoded with a "type" discriminator field. This
// package is intentionally free of external dependencies so browser-facing
// tooling and the server can share it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the interface implemented by all signaling protocol messages.
// Each message type corresponds to a JSON object with a "type" discriminator field.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "join", "offer").
	MessageType() string
}

// --- Client → server ---

// JoinMessage is sent by a client as its first message to request admission
// to the waiting pool.
type JoinMessage struct {
	Name string `json:"name"`
}

func (JoinMessage) MessageType() string { return "join" }

// NextMessage asks the server for a new partner. It is only effective while
// the sender is paired; a waiting sender's request is ignored.
type NextMessage struct{}

func (NextMessage) MessageType() string { return "next" }

// ReadyMessage asks the server to re-enter the waiting pool after the
// sender's previous room ended (partner left, connection timed out).
type ReadyMessage struct{}

func (ReadyMessage) MessageType() string { return "ready-for-new" }

// OfferMessage carries an SDP offer. Inbound it is relayed to the sender's
// partner; outbound it is that relayed copy.
type OfferMessage struct {
	RoomID string `json:"roomId"`
	SDP    string `json:"sdp"`
}

func (OfferMessage) MessageType() string { return "offer" }

// AnswerMessage carries an SDP answer, relayed like OfferMessage.
type AnswerMessage struct {
	RoomID string `json:"roomId"`
	SDP    string `json:"sdp"`
}

func (AnswerMessage) MessageType() string { return "answer" }

// ICECandidateMessage carries a trickle ICE candidate. The RoomID is only
// meaningful inbound; the relayed copy carries candidate and kind alone.
// The candidate kind is keyed "candidateType" because "type" is the
// envelope discriminator.
type ICECandidateMessage struct {
	RoomID    string `json:"roomId,omitempty"`
	Candidate string `json:"candidate"`
	Kind      string `json:"candidateType"`
}

func (ICECandidateMessage) MessageType() string { return "add-ice-candidate" }

// ConnectionEstablishedMessage tells the server the WebRTC connection for
// the given room came up, so the room is no longer subject to stale reaping.
type ConnectionEstablishedMessage struct {
	RoomID string `json:"roomId"`
}

func (ConnectionEstablishedMessage) MessageType() string { return "connection-established" }

// ManualDisconnectMessage is an explicit client-initiated disconnect,
// equivalent to dropping the transport.
type ManualDisconnectMessage struct{}

func (ManualDisconnectMessage) MessageType() string { return "manual-disconnect" }

// --- Server → client ---

// LobbyMessage tells a client it is in the waiting pool.
type LobbyMessage struct{}

func (LobbyMessage) MessageType() string { return "lobby" }

// SendOfferMessage tells the offerer side of a fresh room to create and
// send its SDP offer.
type SendOfferMessage struct {
	RoomID      string `json:"roomId"`
	PartnerName string `json:"partnerName"`
}

func (SendOfferMessage) MessageType() string { return "send-offer" }

// WaitOfferMessage tells the answerer side of a fresh room to wait for the
// partner's offer.
type WaitOfferMessage struct {
	RoomID      string `json:"roomId"`
	PartnerName string `json:"partnerName"`
}

func (WaitOfferMessage) MessageType() string { return "wait-offer" }

// PartnerDisconnectedMessage tells a client its room ended because the
// partner left or skipped.
type PartnerDisconnectedMessage struct{}

func (PartnerDisconnectedMessage) MessageType() string { return "partner-disconnected" }

// ConnectionTimeoutMessage tells both members of a room that it was reaped
// before the WebRTC connection was established.
type ConnectionTimeoutMessage struct{}

func (ConnectionTimeoutMessage) MessageType() string { return "connection-timeout" }

// ErrorMessage reports a refused admission or enqueue.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (ErrorMessage) MessageType() string { return "error" }

// messageTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"join":                   func() Message { return &JoinMessage{} },
	"next":                   func() Message { return &NextMessage{} },
	"ready-for-new":          func() Message { return &ReadyMessage{} },
	"offer":                  func() Message { return &OfferMessage{} },
	"answer":                 func() Message { return &AnswerMessage{} },
	"add-ice-candidate":      func() Message { return &ICECandidateMessage{} },
	"connection-established": func() Message { return &ConnectionEstablishedMessage{} },
	"manual-disconnect":      func() Message { return &ManualDisconnectMessage{} },
	"lobby":                  func() Message { return &LobbyMessage{} },
	"send-offer":             func() Message { return &SendOfferMessage{} },
	"wait-offer":             func() Message { return &WaitOfferMessage{} },
	"partner-disconnected":   func() Message { return &PartnerDisconnectedMessage{} },
	"connection-timeout":     func() Message { return &ConnectionTimeoutMessage{} },
	"error":                  func() Message { return &ErrorMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	// Empty-struct messages decode to a non-nil empty map.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	// Second pass: decode into the concrete type.
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
