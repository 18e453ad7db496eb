package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned (wrapped) when a message cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// EncodedSize returns the number of bytes Encode produces for m.
func EncodedSize(m Message) int {
	switch m.Type {
	case TypeData:
		return tagSize + streamIDSize + lengthSize + len(m.Payload)
	case TypeNewStream, TypeCloseStream:
		return tagSize + streamIDSize
	default:
		return tagSize
	}
}

// Encode serializes a Message. Unknown types encode as their bare tag.
func Encode(m Message) []byte {
	buf := make([]byte, EncodedSize(m))
	buf[0] = m.Type
	switch m.Type {
	case TypeData:
		binary.BigEndian.PutUint32(buf[1:5], m.StreamID)
		binary.BigEndian.PutUint32(buf[5:9], uint32(len(m.Payload)))
		copy(buf[9:], m.Payload)
	case TypeNewStream, TypeCloseStream:
		binary.BigEndian.PutUint32(buf[1:5], m.StreamID)
	}
	return buf
}

// Decode deserializes a Message. The Data payload is copied out of data.
func Decode(data []byte) (Message, error) {
	if len(data) < tagSize {
		return Message{}, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	m := Message{Type: data[0]}
	rest := data[tagSize:]

	switch m.Type {
	case TypeData:
		if len(rest) < streamIDSize+lengthSize {
			return Message{}, fmt.Errorf("%w: data header needs %d bytes, have %d",
				ErrMalformed, streamIDSize+lengthSize, len(rest))
		}
		m.StreamID = binary.BigEndian.Uint32(rest[0:4])
		n := binary.BigEndian.Uint32(rest[4:8])
		rest = rest[8:]
		if uint64(len(rest)) < uint64(n) {
			return Message{}, fmt.Errorf("%w: payload declares %d bytes, have %d",
				ErrMalformed, n, len(rest))
		}
		m.Payload = make([]byte, n)
		copy(m.Payload, rest[:n])

	case TypeNewStream, TypeCloseStream:
		if len(rest) < streamIDSize {
			return Message{}, fmt.Errorf("%w: type 0x%02x needs %d bytes, have %d",
				ErrMalformed, m.Type, streamIDSize, len(rest))
		}
		m.StreamID = binary.BigEndian.Uint32(rest[0:4])

	case TypeHeartbeat:

	default:
		return Message{}, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, m.Type)
	}
	return m, nil
}
