package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names a live socket message.
type Kind string

const (
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindSubscribe    Kind = "subscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindSyncChange   Kind = "sync:change"
	KindConnected    Kind = "connected"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindSync         Kind = "sync"
	KindSyncUpdate   Kind = "sync:update"
	KindError        Kind = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeUnknownMessage = "unknown_message_type"
	CodeInvalidMessage = "invalid_message"
	CodeRoomForbidden  = "room_forbidden"
	CodeUnauthorized   = "unauthorized"
)

var (
	// ErrUnknownKind indicates a message type outside the closed set for its direction.
	ErrUnknownKind = errors.New("wire: unknown message kind")
	// ErrMalformedMessage indicates a message that could not be decoded.
	ErrMalformedMessage = errors.New("wire: malformed message")
)

// Message is any socket message.
type Message interface {
	Kind() Kind
}

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ping is a client liveness probe.
type Ping struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// Subscribe asks to join a room such as "merchant-1:branch-2" or "merchant-1:*".
type Subscribe struct {
	Room string `json:"room"`
}

// Unsubscribe asks to leave a room.
type Unsubscribe struct {
	Room string `json:"room"`
}

// SyncChange is a best-effort peer notification sent right after a successful push.
type SyncChange struct {
	Table     string          `json:"table"`
	RecordID  string          `json:"recordId"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connected greets a new connection with its resolved identity.
type Connected struct {
	ConnectionID     string   `json:"connectionId"`
	DeviceID         string   `json:"deviceId"`
	ClientID         string   `json:"clientId"`
	BranchID         string   `json:"branchId"`
	Rooms            []string `json:"rooms"`
	HeartbeatSeconds int      `json:"heartbeatSeconds"`
}

// Subscribed confirms a room join.
type Subscribed struct {
	Room string `json:"room"`
}

// Unsubscribed confirms a room leave.
type Unsubscribed struct {
	Room string `json:"room"`
}

// Sync carries an outbox-sourced canonical change.
type Sync struct {
	OutboxID        string          `json:"outboxId"`
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	BranchID        string          `json:"branchId"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data,omitempty"`
	IsDeleted       bool            `json:"isDeleted"`
	SyncVersion     int64           `json:"syncVersion"`
	ServerUpdatedAt time.Time       `json:"serverUpdatedAt"`
	OriginDeviceID  string          `json:"originDeviceId"`
}

// SyncUpdate carries a peer-sourced notification. Its data is not canonical.
type SyncUpdate struct {
	Table          string          `json:"table"`
	RecordID       string          `json:"recordId"`
	BranchID       string          `json:"branchId"`
	Operation      string          `json:"operation"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	OriginDeviceID string          `json:"originDeviceId"`
}

// ErrorMessage reports a rejected request on the socket.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Ping) Kind() Kind         { return KindPing }
func (Pong) Kind() Kind         { return KindPong }
func (Subscribe) Kind() Kind    { return KindSubscribe }
func (Unsubscribe) Kind() Kind  { return KindUnsubscribe }
func (SyncChange) Kind() Kind   { return KindSyncChange }
func (Connected) Kind() Kind    { return KindConnected }
func (Subscribed) Kind() Kind   { return KindSubscribed }
func (Unsubscribed) Kind() Kind { return KindUnsubscribed }
func (Sync) Kind() Kind         { return KindSync }
func (SyncUpdate) Kind() Kind   { return KindSyncUpdate }
func (ErrorMessage) Kind() Kind { return KindError }

// Encode wraps the message in its typed envelope.
func Encode(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: message.Kind(), Payload: payload})
}

// DecodeInbound parses a message sent by a terminal to the server.
func DecodeInbound(data []byte) (Message, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case KindPing:
		return decodePayload[Ping](env)
	case KindSubscribe:
		return decodePayload[Subscribe](env)
	case KindUnsubscribe:
		return decodePayload[Unsubscribe](env)
	case KindSyncChange:
		return decodePayload[SyncChange](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

// DecodeOutbound parses a message sent by the server to a terminal.
func DecodeOutbound(data []byte) (Message, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case KindPong:
		return decodePayload[Pong](env)
	case KindConnected:
		return decodePayload[Connected](env)
	case KindSubscribed:
		return decodePayload[Subscribed](env)
	case KindUnsubscribed:
		return decodePayload[Unsubscribed](env)
	case KindSync:
		return decodePayload[Sync](env)
	case KindSyncUpdate:
		return decodePayload[SyncUpdate](env)
	case KindError:
		return decodePayload[ErrorMessage](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

func decodePayload[T Message](env envelope) (Message, error) {
	var payload T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
	}
	return payload, nil
}
