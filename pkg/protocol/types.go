// Package protocol defines the voicewire wire protocol: a MessagePack
// envelope carrying sealed (encrypted, optionally compressed) payloads
// between a client device and a server.
package protocol

// MessageType represents the type of protocol message.
type MessageType uint16

const (
	// TypeAudio (1) - Raw audio chunk, best-effort delivery
	TypeAudio MessageType = 1
	// TypeTranscript (2) - Transcript turn, reliable delivery
	TypeTranscript MessageType = 2
	// TypeError (3) - Structured error notification
	TypeError MessageType = 3
	// TypeHeartbeat (4) - Liveness probe with sender clock
	TypeHeartbeat MessageType = 4
	// TypeAck (5) - Delivery acknowledgement, correlated by MessageID
	TypeAck MessageType = 5
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeTranscript:
		return "transcript"
	case TypeError:
		return "error"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Known returns true for message types this protocol version understands.
func (t MessageType) Known() bool {
	return t >= TypeAudio && t <= TypeAck
}

// Subprotocols advertised during the websocket handshake so the server
// can route at transport-negotiation time, before parsing any envelope.
const (
	SubprotocolAudio   = "voicewire.audio.v1"
	SubprotocolControl = "voicewire.control.v1"
)

// Transcript is the plaintext body of a TypeTranscript envelope.
type Transcript struct {
	ConversationID string `msgpack:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	Role           string `msgpack:"role" json:"role"` // "user" or "assistant"
	Text           string `msgpack:"text" json:"text"`
	Final          bool   `msgpack:"final" json:"final"`
}

// Heartbeat is the plaintext body of a TypeHeartbeat envelope. The
// receiver echoes it back unchanged so the sender can measure round-trip
// latency against its own clock.
type Heartbeat struct {
	ClockMs  int64 `msgpack:"clock_ms" json:"clock_ms"`
	UptimeMs int64 `msgpack:"uptime_ms" json:"uptime_ms"`
}

// ErrorMessage is the plaintext body of a TypeError envelope.
type ErrorMessage struct {
	Code        string `msgpack:"code" json:"code"`
	Message     string `msgpack:"message" json:"message"`
	Recoverable bool   `msgpack:"recoverable" json:"recoverable"`
}

// Ack is the plaintext body of a TypeAck envelope.
type Ack struct {
	AckedMessageID string `msgpack:"acked_message_id" json:"acked_message_id"`
	Success        bool   `msgpack:"success" json:"success"`
}
