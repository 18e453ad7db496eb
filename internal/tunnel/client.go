package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/mtcp/internal/config"
	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/protocol"
	"github.com/1ureka/mtcp/internal/transport"
	"github.com/1ureka/mtcp/internal/util"
)

// Client accepts local TCP connections and carries each one as a logical
// stream over its Pool.
type Client struct {
	cfg     *config.ClientConfig
	pool    *Pool
	ids     StreamIDs
	limiter *rate.Limiter

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewClient dials every link of the pool and starts their receive loops.
func NewClient(ctx context.Context, cfg *config.ClientConfig) (*Client, error) {
	d, err := transport.NewDialer(cfg.Transport, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	pool, err := Dial(ctx, d, cfg.ServerAddr(), cfg.ConnectionPoolSize, cfg.Pinned())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.ServerAddr(), err)
	}
	pool.Listen()

	if cfg.EnableZeroRTT {
		util.LogInfo("0-RTT ready: %d %s links to %s established", pool.Size(), cfg.Transport, cfg.ServerAddr())
	} else {
		util.LogInfo("connected to %s over %d %s links", cfg.ServerAddr(), pool.Size(), cfg.Transport)
	}

	c := &Client{cfg: cfg, pool: pool, conns: make(map[net.Conn]struct{})}
	if cfg.AcceptRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return c, nil
}

// Listen opens the local listener.
func (c *Client) Listen() error {
	ln, err := net.Listen("tcp", c.cfg.LocalAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.LocalAddr(), err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()
	util.LogInfo("listening on %s", ln.Addr())
	return nil
}

// Addr returns the local listener address, or nil before Listen.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Serve accepts local connections until ctx is cancelled.
func (c *Client) Serve(ctx context.Context) error {
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()
	if ln == nil {
		return errors.New("client: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept limiter: %w", err)
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		// Ids are allocated here so they follow acceptance order.
		id, inbox, err := c.ids.Allocate(c.pool.Streams())
		if err != nil {
			util.LogError("local %s rejected: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		if !c.track(conn) {
			c.pool.Remove(inbox)
			conn.Close()
			return nil
		}
		go func() {
			defer c.wg.Done()
			c.handle(id, inbox, conn)
		}()
	}
}

// Run listens on the local address and serves until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Listen(); err != nil {
		return err
	}
	return c.Serve(ctx)
}

// Ready reports whether the client is accepting with its pool established.
func (c *Client) Ready() bool {
	return c.Addr() != nil && c.pool.Ready()
}

// Pool returns the connection pool.
func (c *Client) Pool() *Pool { return c.pool }

// Close stops accepting, tears down the pool and local connections, and
// waits for stream handlers.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.ln != nil {
		c.ln.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	c.pool.Close()
	c.wg.Wait()
}

// track adds conn to the set closed by Close and counts its handler in wg.
// It reports false once the client is closed.
func (c *Client) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// handle owns one local connection for its whole lifetime. The stream's
// inbox is already registered under id.
func (c *Client) handle(id uint32, inbox *Inbox, conn net.Conn) {
	defer c.untrack(conn)
	defer conn.Close()

	tag := util.StreamTag(id)

	// The inbox is registered before NewStream so no reply can be missed.
	if err := c.pool.SendStream(id, protocol.NewStream(id)); err != nil {
		util.LogError("%s open failed: %v", tag, err)
		c.pool.Remove(inbox)
		return
	}

	start := time.Now()
	util.Stats.OpenStream()
	obs.StreamsTotal.WithLabelValues(obs.RoleClient).Inc()
	obs.StreamsActive.WithLabelValues(obs.RoleClient).Inc()
	util.LogInfo("%s new connection from %s", tag, conn.RemoteAddr())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.upstream(id, conn, inbox)
	}()
	c.downstream(id, conn, inbox)
	wg.Wait()

	c.pool.Remove(inbox)
	util.Stats.CloseStream()
	obs.StreamsActive.WithLabelValues(obs.RoleClient).Dec()
	obs.StreamDuration.WithLabelValues(obs.RoleClient).Observe(time.Since(start).Seconds())
	util.LogInfo("%s closed after %s", tag, time.Since(start).Round(time.Millisecond))
}

// upstream copies local bytes into Data frames. On local EOF or error it
// sends CloseStream; if the tunnel itself fails the inbox is removed so the
// downstream pump ends too.
func (c *Client) upstream(id uint32, conn net.Conn, inbox *Inbox) {
	tag := util.StreamTag(id)
	buf := make([]byte, c.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if err := c.pool.SendStream(id, protocol.Data(id, buf[:n])); err != nil {
				util.LogError("%s %v", tag, err)
				c.pool.Remove(inbox)
				return
			}
		}
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("%s local read: %v", tag, err)
			}
			break
		}
	}

	if err := c.pool.SendStream(id, protocol.CloseStream(id)); err != nil {
		util.LogWarning("%s close not delivered: %v", tag, err)
		return
	}
	util.LogDebug("%s local EOF, CloseStream sent", tag)
}

// downstream writes inbox payloads to the local socket until the inbox is
// closed, then half-closes the socket so the local peer sees EOF.
func (c *Client) downstream(id uint32, conn net.Conn, inbox *Inbox) {
	for {
		p, ok := inbox.Recv()
		if !ok {
			break
		}
		if _, err := conn.Write(p); err != nil {
			util.LogWarning("%s local write: %v", util.StreamTag(id), err)
			c.pool.Remove(inbox)
			return
		}
	}
	_ = transport.CloseWrite(conn)
}
