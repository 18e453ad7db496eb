// Package transport dials and accepts the physical links that carry tunnel
// frames. A link is a plain TCP connection or a websocket whose binary
// messages are exposed as a byte stream; either way callers see a net.Conn.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/mtcp/internal/config"
)

const keepAlivePeriod = 10 * time.Second

// Dialer opens one physical link to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// NewDialer returns the Dialer for kind (config.TransportTCP or config.TransportWS).
func NewDialer(kind string, timeout time.Duration) (Dialer, error) {
	switch kind {
	case config.TransportTCP, "":
		return &tcpDialer{d: net.Dialer{Timeout: timeout, KeepAlive: keepAlivePeriod}}, nil
	case config.TransportWS:
		return newWSDialer(timeout), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen accepts physical links of the given kind on addr.
func Listen(kind, addr string) (net.Listener, error) {
	switch kind {
	case config.TransportTCP, "":
		return net.Listen("tcp", addr)
	case config.TransportWS:
		return listenWS(addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

type tcpDialer struct {
	d net.Dialer
}

func (t *tcpDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := t.d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	Tune(conn)
	return conn, nil
}

// Tune enables keepalive and disables Nagle on TCP links; other conns are left alone.
func Tune(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
		_ = tcpConn.SetNoDelay(true)
	}
}

// CloseWrite half-closes conn when it supports it and fully closes it otherwise.
func CloseWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}
