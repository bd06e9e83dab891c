package protocol

import (
	"encoding/json"
	"fmt"
)

// Represents the type of a frame exchanged over the socket
type MessageType string

const (
	// Client -> server
	TypeJoin              MessageType = "join"
	TypeLeave             MessageType = "leave"
	TypeEditBatch         MessageType = "edit-batch"
	TypeSetLanguage       MessageType = "set-language"
	TypeSetTypingInterval MessageType = "set-typing-interval"
	TypeRequestResync     MessageType = "request-resync"

	// Server -> client
	TypeBootstrap             MessageType = "bootstrap"
	TypeResync                MessageType = "resync"
	TypeParticipants          MessageType = "participants"
	TypePresenceJoined        MessageType = "presence-joined"
	TypePresenceLeft          MessageType = "presence-left"
	TypeEditRelay             MessageType = "edit-relay"
	TypeLanguageChanged       MessageType = "language-changed"
	TypeTypingIntervalChanged MessageType = "typing-interval-changed"
	TypeError                 MessageType = "error"
)

// Error codes carried by TypeError frames
const (
	CodeMalformedPatch = "malformed-patch"
	CodeUnknownRoom    = "unknown-room"
	CodeNotParticipant = "not-participant"
	CodeBadRequest     = "bad-request"
	CodeRateLimited    = "rate-limited"
	CodeInternal       = "internal"
)

// Envelope is the unit written to and read from the socket.
type Envelope struct {
	Type    MessageType     `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Position is a zero-based line and rune column.
type Position struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

// Patch replaces the range [From, To) with Text joined by newlines.
type Patch struct {
	From Position `json:"from"`
	To   Position `json:"to"`
	Text []string `json:"text"`
}

// EditBatch is one participant's coalesced edits. Snapshot is authoritative.
type EditBatch struct {
	Patches  []Patch  `json:"patches"`
	Snapshot string   `json:"snapshot"`
	Cursor   Position `json:"cursor"`
}

type ParticipantInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Cursor      Position `json:"cursor"`
}

type JoinPayload struct {
	DisplayName   string `json:"displayName"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Bootstrap is sent to a joiner once, and again on every resync.
type Bootstrap struct {
	ParticipantID    string            `json:"participantId"`
	Participants     []ParticipantInfo `json:"participants"`
	Text             string            `json:"canonicalText"`
	Revision         uint64            `json:"revision"`
	Language         string            `json:"language"`
	TypingIntervalMs int               `json:"typingIntervalMs"`
}

type ParticipantsPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

type PresencePayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

// EditRelay is what peers receive for an accepted batch. It never carries the snapshot.
type EditRelay struct {
	ParticipantID string   `json:"participantId"`
	Revision      uint64   `json:"revision"`
	Patches       []Patch  `json:"patches"`
	Cursor        Position `json:"cursor"`
}

type LanguagePayload struct {
	Language string `json:"language"`
}

type TypingIntervalPayload struct {
	Ms int `json:"ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds an envelope for the given payload.
func Encode(t MessageType, roomID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(t MessageType, roomID string, payload any) Envelope {
	env, err := Encode(t, roomID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope extracts the envelope from a raw frame
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, fmt.Errorf("empty message")
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("missing message type")
	}
	return env, nil
}

// Marshal renders the envelope as a text frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
