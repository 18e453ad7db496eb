package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/protocol"
	"github.com/1ureka/mtcp/internal/transport"
	"github.com/1ureka/mtcp/internal/util"
)

const linkReadBufferSize = 64 * 1024

// Handler processes one decoded inbound message from link.
type Handler func(link int, m protocol.Message)

// link is one physical connection. Writes are serialized by wmu so a frame
// is never interleaved with another.
type link struct {
	idx  int
	conn net.Conn

	wmu   sync.Mutex
	wbuf  []byte
	alive atomic.Bool
}

func (l *link) write(m protocol.Message) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if !l.alive.Load() {
		return ErrLinkDown
	}
	l.wbuf = protocol.AppendFrame(l.wbuf[:0], m)
	if _, err := l.conn.Write(l.wbuf); err != nil {
		l.fail()
		return err
	}
	return nil
}

// fail marks the link dead and closes it. Later sends fail fast.
func (l *link) fail() {
	if l.alive.Swap(false) {
		l.conn.Close()
	}
}

// Pool fans frames out over a set of physical links and runs one receive
// loop per link, routing inbound messages through its Dispatcher.
//
// A client pool is built by Dial and keeps its links for the process
// lifetime: a dead link stays in rotation. The server builds a return pool
// that gains a link per accepted connection and drops it when its loop ends.
type Pool struct {
	role    string
	pin     bool
	detach  bool
	streams *Dispatcher
	handle  Handler

	mu      sync.Mutex
	links   []*link
	next    uint64
	nextIdx int

	listenOnce sync.Once
	ready      atomic.Bool
	closed     atomic.Bool
	wg         sync.WaitGroup
}

func newPool(role string, pin bool) *Pool {
	return &Pool{
		role:    role,
		pin:     pin,
		streams: NewDispatcher(),
	}
}

// Dial establishes size links to addr before returning. If any dial fails the
// links already established are closed and the error is returned.
func Dial(ctx context.Context, d transport.Dialer, addr string, size int, pin bool) (*Pool, error) {
	p := newPool(obs.RoleClient, pin)
	p.handle = p.route

	for i := 0; i < size; i++ {
		conn, err := d.Dial(ctx, addr)
		if err != nil {
			p.Close()
			return nil, &TransportError{Op: "dial " + addr, Link: i, Err: err}
		}
		l := p.attach(conn)
		util.LogDebug("link=%d connected to %s", l.idx, addr)
	}
	p.ready.Store(true)
	return p, nil
}

// attach adds conn as the next link.
func (p *Pool) attach(conn net.Conn) *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := &link{idx: p.nextIdx, conn: conn}
	l.alive.Store(true)
	p.nextIdx++
	p.links = append(p.links, l)
	return l
}

// remove drops l from rotation.
func (p *Pool) remove(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.links {
		if cur == l {
			p.links = append(p.links[:i], p.links[i+1:]...)
			return
		}
	}
}

// Listen starts the receive loop of every link. Only the first call has effect.
func (p *Pool) Listen() {
	p.listenOnce.Do(func() {
		p.mu.Lock()
		links := append([]*link(nil), p.links...)
		p.mu.Unlock()
		for _, l := range links {
			p.wg.Add(1)
			go p.serve(l)
		}
	})
}

// accept adds conn to the pool and starts its receive loop right away.
func (p *Pool) accept(conn net.Conn) int {
	l := p.attach(conn)
	p.wg.Add(1)
	go p.serve(l)
	return l.idx
}

// Send writes m on the next link in round-robin order. There is no retry
// and no failover: an I/O failure is returned as a *TransportError.
func (p *Pool) Send(m protocol.Message) error {
	p.mu.Lock()
	n := len(p.links)
	if n == 0 {
		p.mu.Unlock()
		return &TransportError{Op: "send", Link: -1, Err: ErrNoLinks}
	}
	l := p.links[p.next%uint64(n)]
	p.next++
	p.mu.Unlock()

	return p.sendOn(l, m)
}

// SendStream writes a message belonging to stream id. With pinning every
// frame of a stream goes out on link id mod N, so it arrives in order.
func (p *Pool) SendStream(id uint32, m protocol.Message) error {
	if !p.pin {
		return p.Send(m)
	}
	p.mu.Lock()
	n := len(p.links)
	if n == 0 {
		p.mu.Unlock()
		return &TransportError{Op: "send", Link: -1, Err: ErrNoLinks}
	}
	l := p.links[id%uint32(n)]
	p.mu.Unlock()

	return p.sendOn(l, m)
}

func (p *Pool) sendOn(l *link, m protocol.Message) error {
	if err := l.write(m); err != nil {
		obs.ErrorsTotal.WithLabelValues(p.role, "send").Inc()
		return &TransportError{Op: "send " + m.String(), Link: l.idx, Err: err}
	}
	obs.FramesTotal.WithLabelValues(p.role, "out", obs.TypeLabel(m.Type)).Inc()
	if m.Type == protocol.TypeData {
		obs.BytesTotal.WithLabelValues(p.role, "out").Add(float64(len(m.Payload)))
		util.Stats.AddUp(len(m.Payload))
	}
	return nil
}

// Register opens the inbox for id before anything is sent for it.
func (p *Pool) Register(id uint32) (*Inbox, error) {
	return p.streams.Register(id)
}

// Deregister closes the inbox for id. Data that arrives later is dropped.
func (p *Pool) Deregister(id uint32) bool {
	return p.streams.Unregister(id)
}

// Remove closes in if it is still open.
func (p *Pool) Remove(in *Inbox) {
	p.streams.Remove(in)
}

// Streams returns the route table of open streams.
func (p *Pool) Streams() *Dispatcher {
	return p.streams
}

// Ready reports whether every link has been established.
func (p *Pool) Ready() bool {
	return p.ready.Load()
}

// Size returns the number of links in rotation.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// Alive returns the number of links that have not failed.
func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.links {
		if l.alive.Load() {
			n++
		}
	}
	return n
}

// Close closes every link and every open inbox, then waits for the receive
// loops to exit.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.mu.Lock()
	links := append([]*link(nil), p.links...)
	p.mu.Unlock()

	for _, l := range links {
		l.fail()
	}
	p.streams.CloseAll()
	p.wg.Wait()
}

// serve is the receive loop of one link. Any read or decode error ends it
// for good and marks the link dead.
func (p *Pool) serve(l *link) {
	defer p.wg.Done()

	alive := obs.LinksAlive.WithLabelValues(p.role)
	alive.Inc()
	defer alive.Dec()

	r := bufio.NewReaderSize(l.conn, linkReadBufferSize)
	for {
		m, err := protocol.ReadFrame(r)
		if err != nil {
			p.linkDown(l, err)
			return
		}

		obs.FramesTotal.WithLabelValues(p.role, "in", obs.TypeLabel(m.Type)).Inc()
		if m.Type == protocol.TypeData {
			obs.BytesTotal.WithLabelValues(p.role, "in").Add(float64(len(m.Payload)))
			util.Stats.AddDown(len(m.Payload))
		}
		p.handle(l.idx, m)
	}
}

func (p *Pool) linkDown(l *link, err error) {
	switch {
	case p.closed.Load() || errors.Is(err, net.ErrClosed):
		util.LogDebug("link=%d closed", l.idx)
	case errors.Is(err, io.EOF):
		util.LogInfo("link=%d closed by peer", l.idx)
	case errors.Is(err, protocol.ErrMalformed):
		obs.ErrorsTotal.WithLabelValues(p.role, "decode").Inc()
		util.LogError("link=%d %v", l.idx, err)
	default:
		obs.ErrorsTotal.WithLabelValues(p.role, "read").Inc()
		util.LogError("link=%d read failed: %v", l.idx, err)
	}

	l.fail()
	if p.detach {
		p.remove(l)
		return
	}
	if p.pin && !p.closed.Load() {
		p.closePinned(l)
	}
}

// closePinned closes every stream pinned to the dead link l. Their frames
// could only travel on l, so they can neither send nor receive any more.
func (p *Pool) closePinned(l *link) {
	p.mu.Lock()
	n := uint32(len(p.links))
	pos := -1
	for i, cur := range p.links {
		if cur == l {
			pos = i
			break
		}
	}
	p.mu.Unlock()
	if pos < 0 {
		return
	}

	closed := p.streams.RemoveIf(func(id uint32) bool {
		return id%n == uint32(pos)
	})
	if closed > 0 {
		util.LogWarning("link=%d down, closed %d pinned streams", l.idx, closed)
	}
}

// route is the client-side handler: Data goes to its stream, CloseStream
// ends the stream's downstream pump.
func (p *Pool) route(link int, m protocol.Message) {
	switch m.Type {
	case protocol.TypeData:
		if !p.streams.Deliver(m.StreamID, m.Payload) {
			obs.DroppedTotal.WithLabelValues(p.role).Inc()
			util.LogDebug("%s link=%d dropped %d bytes for closed stream", util.StreamTag(m.StreamID), link, len(m.Payload))
		}
	case protocol.TypeCloseStream:
		if p.streams.Unregister(m.StreamID) {
			util.LogDebug("%s closed by server", util.StreamTag(m.StreamID))
		}
	case protocol.TypeNewStream, protocol.TypeHeartbeat:
	}
}
