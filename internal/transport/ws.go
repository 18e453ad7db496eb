package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPath is the HTTP path on which the server upgrades tunnel links.
const WSPath = "/mtcp"

const wsBufferSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsDialer struct {
	d websocket.Dialer
}

func newWSDialer(timeout time.Duration) *wsDialer {
	return &wsDialer{d: websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
	}}
}

// Dial connects to ws://addr/mtcp.
func (w *wsDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, _, err := w.d.DialContext(ctx, "ws://"+addr+WSPath, nil)
	if err != nil {
		return nil, err
	}
	Tune(conn.UnderlyingConn())
	return newWSConn(conn), nil
}

// wsListener serves HTTP on ln and hands out every upgraded websocket as a net.Conn.
type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	connCh chan net.Conn
	done   chan struct{}
	once   sync.Once
}

func listenWS(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:     ln,
		connCh: make(chan net.Conn),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, l.handleWS)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = l.srv.Serve(ln)
	}()
	return l, nil
}

func (l *wsListener) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	Tune(conn.UnderlyingConn())

	select {
	case l.connCh <- newWSConn(conn):
	case <-l.done:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "listener closed"))
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn presents a websocket as a byte stream. Each Write is one binary
// message; Read drains messages in order regardless of their boundaries.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.Conn.NextReader()
			if err != nil {
				return 0, wsReadError(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal close frame so the peer reads io.EOF, then closes.
func (c *wsConn) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.Conn.Close()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

// wsReadError maps a normal websocket close to io.EOF.
func wsReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
