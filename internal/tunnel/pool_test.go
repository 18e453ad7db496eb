package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/mtcp/internal/config"
	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/protocol"
)

// recordConn is a net.Conn stand-in that records every write.
// Only Write and Close are used by the pool's send path.
type recordConn struct {
	net.Conn

	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	closed bool
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.buf.Write(b)
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frames decodes everything written so far.
func (c *recordConn) frames(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	r := bytes.NewReader(c.buf.Bytes())
	c.mu.Unlock()

	var out []protocol.Message
	for {
		m, err := protocol.ReadFrame(r)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("decode recorded frames: %v", err)
		}
		out = append(out, m)
	}
}

func newRecordPool(n int, pin bool) (*Pool, []*recordConn) {
	p := newPool(obs.RoleClient, pin)
	p.handle = p.route
	conns := make([]*recordConn, n)
	for i := range conns {
		conns[i] = &recordConn{}
		p.attach(conns[i])
	}
	return p, conns
}

// TestPoolRoundRobin sends K messages over N links; link i must receive
// messages i, i+N, i+2N ... in order.
func TestPoolRoundRobin(t *testing.T) {
	const n, k = 3, 7
	p, conns := newRecordPool(n, false)

	for i := 0; i < k; i++ {
		if err := p.Send(protocol.Data(1, []byte{byte(i)})); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for li, c := range conns {
		got := c.frames(t)
		want := (k - li + n - 1) / n
		if len(got) != want {
			t.Errorf("link %d: %d frames, want %d", li, len(got), want)
			continue
		}
		for j, m := range got {
			if seq := int(m.Payload[0]); seq != li+j*n {
				t.Errorf("link %d frame %d: message %d, want %d", li, j, seq, li+j*n)
			}
		}
	}
}

func TestPoolPinnedSend(t *testing.T) {
	p, conns := newRecordPool(3, true)
	for i := 0; i < 4; i++ {
		if err := p.SendStream(5, protocol.Data(5, []byte("x"))); err != nil {
			t.Fatal(err)
		}
	}
	for li, c := range conns {
		want := 0
		if li == 5%3 {
			want = 4
		}
		if got := len(c.frames(t)); got != want {
			t.Errorf("link %d: %d frames, want %d", li, got, want)
		}
	}
}

func TestPoolUnpinnedSendStreamRotates(t *testing.T) {
	p, conns := newRecordPool(2, false)
	for i := 0; i < 4; i++ {
		p.SendStream(5, protocol.Data(5, nil))
	}
	for li, c := range conns {
		if got := len(c.frames(t)); got != 2 {
			t.Errorf("link %d: %d frames, want 2", li, got)
		}
	}
}

func TestPoolDeadLinkFailsFast(t *testing.T) {
	boom := errors.New("broken pipe")
	p, conns := newRecordPool(1, false)
	conns[0].err = boom

	err := p.Send(protocol.Heartbeat())
	var te *TransportError
	if !errors.As(err, &te) || te.Link != 0 || !errors.Is(err, boom) {
		t.Fatalf("first Send: got %v, want TransportError{Link: 0} wrapping the write error", err)
	}
	if !conns[0].isClosed() {
		t.Error("failed link was not closed")
	}

	conns[0].err = nil
	if err := p.Send(protocol.Heartbeat()); !errors.Is(err, ErrLinkDown) {
		t.Errorf("second Send: got %v, want ErrLinkDown", err)
	}
	if p.Size() != 1 || p.Alive() != 0 {
		t.Errorf("Size/Alive = %d/%d, want 1/0 (dead link stays in rotation)", p.Size(), p.Alive())
	}
}

func TestPoolNoLinks(t *testing.T) {
	p := newPool(obs.RoleServer, true)
	if err := p.SendStream(1, protocol.CloseStream(1)); !errors.Is(err, ErrNoLinks) {
		t.Errorf("got %v, want ErrNoLinks", err)
	}
}

type scriptedDialer struct {
	conns []*recordConn
	fail  int
}

func (d *scriptedDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if len(d.conns) == d.fail {
		return nil, errors.New("connection refused")
	}
	c := &recordConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func TestDialFailureClosesEstablished(t *testing.T) {
	d := &scriptedDialer{fail: 2}
	_, err := Dial(context.Background(), d, "server:1", 4, true)

	var te *TransportError
	if !errors.As(err, &te) || te.Link != 2 {
		t.Fatalf("Dial: got %v, want TransportError on link 2", err)
	}
	for i, c := range d.conns {
		if !c.isClosed() {
			t.Errorf("link %d left open", i)
		}
	}
}

func TestDialEstablishesAllLinks(t *testing.T) {
	d := &scriptedDialer{fail: -1}
	p, err := Dial(context.Background(), d, "server:1", 4, true)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Ready() || p.Size() != 4 {
		t.Errorf("Ready/Size = %v/%d, want true/4", p.Ready(), p.Size())
	}
}

// TestPoolReceiveLoop drives a client pool's link through net.Pipe.
func TestPoolReceiveLoop(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newPool(obs.RoleClient, true)
	p.handle = p.route
	p.attach(local)
	p.Listen()
	defer p.Close()

	in, err := p.Register(1)
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range []protocol.Message{
		protocol.Heartbeat(),
		protocol.Data(9, []byte("nobody")),
		protocol.Data(1, []byte("x")),
		protocol.CloseStream(1),
	} {
		if err := protocol.WriteFrame(remote, m); err != nil {
			t.Fatalf("WriteFrame %v: %v", m, err)
		}
	}

	if got, ok := in.Recv(); !ok || string(got) != "x" {
		t.Errorf("Recv = (%q, %v), want (\"x\", true)", got, ok)
	}
	if _, ok := in.Recv(); ok {
		t.Error("inbox still open after CloseStream")
	}

	// A malformed frame ends the link's loop for good.
	remote.Write([]byte{0, 0, 0, 1, 0x7f})
	waitFor(t, func() bool { return p.Alive() == 0 }, "link marked dead")
	if p.Size() != 1 {
		t.Errorf("client pool dropped its dead link: Size = %d", p.Size())
	}
}

func TestClientEmptyReadIsEOF(t *testing.T) {
	p, conns := newRecordPool(1, true)
	c := &Client{cfg: &config.ClientConfig{BufferSize: 16}, pool: p}
	in, _ := p.Register(1)

	c.upstream(1, zeroReadConn{}, in)

	got := conns[0].frames(t)
	if len(got) != 1 || got[0].Type != protocol.TypeCloseStream || got[0].StreamID != 1 {
		t.Errorf("frames after empty read: %v, want [CloseStream{1}]", got)
	}
}

// zeroReadConn returns (0, nil) from every Read.
type zeroReadConn struct{ net.Conn }

func (zeroReadConn) Read([]byte) (int, error) { return 0, nil }

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestDeadLinkClosesPinnedStreams kills one of two pinned links: only the
// streams mapped to it (odd ids) are closed.
func TestDeadLinkClosesPinnedStreams(t *testing.T) {
	p := newPool(obs.RoleClient, true)
	p.handle = p.route
	remotes := make([]net.Conn, 2)
	for i := range remotes {
		local, remote := net.Pipe()
		defer remote.Close()
		remotes[i] = remote
		p.attach(local)
	}

	inboxes := make(map[uint32]*Inbox)
	for id := uint32(1); id <= 4; id++ {
		in, err := p.Register(id)
		if err != nil {
			t.Fatal(err)
		}
		inboxes[id] = in
	}
	p.Listen()
	defer p.Close()

	remotes[1].Close()
	waitFor(t, func() bool { return p.Alive() == 1 }, "link 1 marked dead")

	for id, in := range inboxes {
		select {
		case <-in.Done():
			if id%2 == 0 {
				t.Errorf("stream %d on the live link was closed", id)
			}
		case <-time.After(time.Second):
			if id%2 == 1 {
				t.Errorf("stream %d pinned to the dead link is still open", id)
			}
		}
	}
}

func TestServeReportsLimiterError(t *testing.T) {
	p, _ := newRecordPool(1, true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := &Client{
		cfg:     &config.ClientConfig{BufferSize: 16},
		pool:    p,
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
		limiter: rate.NewLimiter(5, 0),
	}
	if err := c.Serve(context.Background()); err == nil {
		t.Error("Serve returned nil although the limiter can never admit a connection")
	}
}
