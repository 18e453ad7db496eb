package tunnel

import "sync/atomic"

// maxIDAttempts bounds how many ids are tried before giving up on allocation.
const maxIDAttempts = 64

// StreamIDs hands out stream ids starting at 1. It is safe for concurrent use.
// After the 32-bit counter wraps, 0 is skipped.
type StreamIDs struct {
	val atomic.Uint32
}

// Next returns the next id.
func (s *StreamIDs) Next() uint32 {
	for {
		if id := s.val.Add(1); id != 0 {
			return id
		}
	}
}

// Allocate registers the next id that is not already open in d.
func (s *StreamIDs) Allocate(d *Dispatcher) (uint32, *Inbox, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.Next()
		in, err := d.Register(id)
		if err == nil {
			return id, in, nil
		}
	}
	return 0, nil, ErrStreamIDsExhausted
}
