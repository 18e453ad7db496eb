package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/1ureka/mtcp/internal/protocol"
)

// TestFrameSequence writes several frames back to back and reads them out
// through a reader that returns one byte at a time, exercising partial reads.
func TestFrameSequence(t *testing.T) {
	msgs := []protocol.Message{
		protocol.NewStream(1),
		protocol.Data(1, []byte("ping")),
		protocol.Data(1, []byte{}),
		protocol.Heartbeat(),
		protocol.CloseStream(1),
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := protocol.WriteFrame(&buf, m); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := iotest.OneByteReader(&buf)
	for i, want := range msgs {
		got, err := protocol.ReadFrame(r)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if !equalMessage(got, want) {
			t.Errorf("frame %d: got %v, want %v", i, got, want)
		}
	}

	if _, err := protocol.ReadFrame(r); err != io.EOF {
		t.Errorf("expected io.EOF at clean boundary, got %v", err)
	}
}

// TestFrameLengthPrefix checks the 4-byte big-endian prefix.
func TestFrameLengthPrefix(t *testing.T) {
	frame := protocol.AppendFrame(nil, protocol.NewStream(5))
	if got := binary.BigEndian.Uint32(frame[:4]); got != 5 {
		t.Errorf("length prefix: got %d, want 5", got)
	}
	if len(frame) != 9 {
		t.Errorf("frame size: got %d, want 9", len(frame))
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	frame := protocol.AppendFrame(nil, protocol.Data(1, []byte("payload")))
	_, err := protocol.ReadFrame(bytes.NewReader(frame[:len(frame)-3]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], protocol.MaxFrameSize+1)
	_, err := protocol.ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	_, err := protocol.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("expected ErrMalformed for empty frame, got %v", err)
	}
}
