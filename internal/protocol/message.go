// Package protocol defines the message format exchanged over physical tunnel links.
package protocol

import "fmt"

// Message type tags.
const (
	TypeData        uint8 = 0x01 // application bytes for a stream
	TypeNewStream   uint8 = 0x02 // announce a new logical stream
	TypeCloseStream uint8 = 0x03 // logical stream has ended
	TypeHeartbeat   uint8 = 0x04 // liveness signal
)

// Field sizes.
const (
	tagSize      = 1
	streamIDSize = 4
	lengthSize   = 4
)

// Message is one wire message. Type selects which fields are meaningful:
// StreamID is unused for Heartbeat and Payload is only used for Data.
type Message struct {
	Type     uint8
	StreamID uint32
	Payload  []byte
}

// NewStream returns a NewStream message for id.
func NewStream(id uint32) Message {
	return Message{Type: TypeNewStream, StreamID: id}
}

// Data returns a Data message carrying payload for id.
func Data(id uint32, payload []byte) Message {
	return Message{Type: TypeData, StreamID: id, Payload: payload}
}

// CloseStream returns a CloseStream message for id.
func CloseStream(id uint32) Message {
	return Message{Type: TypeCloseStream, StreamID: id}
}

// Heartbeat returns a Heartbeat message.
func Heartbeat() Message {
	return Message{Type: TypeHeartbeat}
}

func (m Message) String() string {
	switch m.Type {
	case TypeData:
		return fmt.Sprintf("Data{%d, %d bytes}", m.StreamID, len(m.Payload))
	case TypeNewStream:
		return fmt.Sprintf("NewStream{%d}", m.StreamID)
	case TypeCloseStream:
		return fmt.Sprintf("CloseStream{%d}", m.StreamID)
	case TypeHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Unknown{0x%02x}", m.Type)
	}
}
