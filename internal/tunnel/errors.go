package tunnel

import (
	"errors"
	"fmt"
)

var (
	ErrStreamInUse        = errors.New("stream id already in use")
	ErrStreamIDsExhausted = errors.New("no free stream id")
	ErrLinkDown           = errors.New("link is down")
	ErrNoLinks            = errors.New("no links available")
)

// TransportError reports an I/O failure on one physical link.
// Link is -1 when no link could be chosen.
type TransportError struct {
	Op   string
	Link int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("link=%d %s: %v", e.Link, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
