package protocol

import "time"

// MessageType is the closed set of wire message types. The dispatcher
// switches exhaustively over these; adding a type is a compile-time change.
type MessageType uint8

const (
	TypeStatus MessageType = iota + 1
	TypeData
	TypeInit
	TypeResponse
	TypePhaseInfo
	TypePhaseCommand
	TypeImage
	TypeOverrideMode
	TypeShutdown
	TypeError
	TypePing
	TypePingAck
)

// Valid reports whether t is a known wire type.
func (t MessageType) Valid() bool {
	return t >= TypeStatus && t <= TypePingAck
}

func (t MessageType) String() string {
	switch t {
	case TypeStatus:
		return "status"
	case TypeData:
		return "data"
	case TypeInit:
		return "init"
	case TypeResponse:
		return "response"
	case TypePhaseInfo:
		return "phase_info"
	case TypePhaseCommand:
		return "phase_cmd"
	case TypeImage:
		return "image"
	case TypeOverrideMode:
		return "override"
	case TypeShutdown:
		return "shutdown"
	case TypeError:
		return "error"
	case TypePing:
		return "ping"
	case TypePingAck:
		return "ping_ack"
	default:
		return "unknown"
	}
}

// Message is one decoded wire message. It is immutable once constructed and
// owned solely by the layer currently processing it.
type Message struct {
	Type      MessageType
	Seq       uint32
	Payload   []byte
	Timestamp time.Time
}
