package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps the declared length of an inbound frame.
const MaxFrameSize = 16 * 1024 * 1024

// AppendFrame appends the length-prefixed encoding of m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	body := Encode(m)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// WriteFrame writes one length-prefixed message to w.
func WriteFrame(w io.Writer, m Message) error {
	_, err := w.Write(AppendFrame(nil, m))
	return err
}

// ReadFrame reads one length-prefixed message from r. I/O errors are returned
// unchanged (io.EOF on a clean boundary); decoding problems wrap ErrMalformed.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformed, n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return Decode(body)
}
