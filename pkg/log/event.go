package log

import (
	"strings"
	"time"
)

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the transport-assigned connection id.
	ConnectionID uint64 `cbor:"2,keyasint"`

	// SessionID disambiguates connections when the transport recycles ids.
	SessionID string `cbor:"3,keyasint,omitempty"`

	Direction Direction `cbor:"4,keyasint"`
	Layer     Layer     `cbor:"5,keyasint"`
	Category  Category  `cbor:"6,keyasint"`

	// Exactly one of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Packet      *PacketEvent      `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction of packet flow relative to the local endpoint.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection parses the output of Direction.String (case-insensitive).
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(s) {
	case "IN":
		return DirectionIn, true
	case "OUT":
		return DirectionOut, true
	}
	return 0, false
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerTransport is stream framing (raw bytes).
	LayerTransport Layer = 0
	// LayerPacket is authentication, replay and size checks.
	LayerPacket Layer = 1
	// LayerRegistry is connection lifecycle.
	LayerRegistry Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerPacket:
		return "PACKET"
	case LayerRegistry:
		return "REGISTRY"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses the output of Layer.String (case-insensitive).
func ParseLayer(s string) (Layer, bool) {
	switch strings.ToUpper(s) {
	case "TRANSPORT":
		return LayerTransport, true
	case "PACKET":
		return LayerPacket, true
	case "REGISTRY":
		return LayerRegistry, true
	}
	return 0, false
}

// Category classifies the event.
type Category uint8

const (
	CategoryFrame  Category = 0
	CategoryPacket Category = 1
	CategoryState  Category = 2
	CategoryError  Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryPacket:
		return "PACKET"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses the output of Category.String (case-insensitive).
func ParseCategory(s string) (Category, bool) {
	switch strings.ToUpper(s) {
	case "FRAME":
		return CategoryFrame, true
	case "PACKET":
		return CategoryPacket, true
	case "STATE":
		return CategoryState, true
	case "ERROR":
		return CategoryError, true
	}
	return 0, false
}

// MaxFrameDataSize caps FrameEvent.Data.
const MaxFrameDataSize = 64

// FrameEvent captures a stream frame at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes including the length prefix.
	Size int `cbor:"1,keyasint"`

	// Data holds the leading bytes of the frame, at most MaxFrameDataSize.
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent builds a FrameEvent for frame, copying at most
// MaxFrameDataSize bytes.
func NewFrameEvent(frame []byte, prefixLen int) *FrameEvent {
	fe := &FrameEvent{Size: len(frame) + prefixLen}
	n := min(len(frame), MaxFrameDataSize)
	fe.Data = append([]byte(nil), frame[:n]...)
	fe.Truncated = n < len(frame)
	return fe
}

// PacketEvent describes a packet that was produced or accepted.
type PacketEvent struct {
	// Size is the packet length including the authenticator.
	Size  int    `cbor:"1,keyasint"`
	Nonce uint32 `cbor:"2,keyasint"`
	Tag   string `cbor:"3,keyasint"`
	// BodySize is the length of the encoded body; bodies are not captured.
	BodySize int `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures connection lifecycle transitions.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityEndpoint   StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityEndpoint:
		return "ENDPOINT"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures a rejected packet or frame.
type ErrorEventData struct {
	Layer Layer `cbor:"1,keyasint"`

	// Kind is the machine-readable failure class, e.g. "BAD_HMAC".
	Kind string `cbor:"2,keyasint,omitempty"`

	Message string `cbor:"3,keyasint"`

	// Context describes the operation being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
