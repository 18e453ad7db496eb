package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/mtcp/internal/config"
	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/protocol"
	"github.com/1ureka/mtcp/internal/registry"
	"github.com/1ureka/mtcp/internal/transport"
	"github.com/1ureka/mtcp/internal/util"
)

// Server accepts physical links from a client, demultiplexes their logical
// streams and relays each one to the backend. Every accepted link joins the
// return pool the relays answer through.
type Server struct {
	cfg     *config.ServerConfig
	store   registry.Store
	pool    *Pool
	backend transport.Dialer

	ctx      context.Context
	mu       sync.Mutex
	ln       net.Listener
	backends map[net.Conn]struct{}
	closed   bool
	ready    atomic.Bool
	wg       sync.WaitGroup
}

// NewServer builds a server for cfg. Open streams are recorded in store.
func NewServer(cfg *config.ServerConfig, store registry.Store) (*Server, error) {
	backend, err := transport.NewDialer(config.TransportTCP, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		backend:  backend,
		ctx:      context.Background(),
		backends: make(map[net.Conn]struct{}),
	}
	s.pool = newPool(obs.RoleServer, cfg.Pinned())
	s.pool.detach = true
	s.pool.handle = s.route
	return s, nil
}

// Listen opens the tunnel listener.
func (s *Server) Listen() error {
	ln, err := transport.Listen(s.cfg.Transport, s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.ready.Store(true)
	util.LogInfo("listening on %s (%s), backend %s", ln.Addr(), s.cfg.Transport, s.cfg.BackendAddr())
	return nil
}

// Addr returns the tunnel listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts links until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ctx = ctx
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		transport.Tune(conn)
		idx := s.pool.accept(conn)
		util.LogInfo("link=%d accepted from %s (%d/%d links)", idx, conn.RemoteAddr(), s.pool.Size(), s.cfg.ConnectionPoolSize)
	}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Ready reports whether the tunnel listener is open.
func (s *Server) Ready() bool { return s.ready.Load() }

// Pool returns the return pool.
func (s *Server) Pool() *Pool { return s.pool }

// Streams lists the open streams from the registry.
func (s *Server) Streams(ctx context.Context) ([]registry.Entry, error) {
	return s.store.List(ctx)
}

// Close stops accepting, closes every link and waits for the relays.
func (s *Server) Close() {
	s.ready.Store(false)
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.backends {
		conn.Close()
	}
	s.mu.Unlock()
	s.pool.Close()
	s.wg.Wait()
}

// startRelay counts a relay in wg. It reports false once the server is closed.
func (s *Server) startRelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// track adds a backend connection to the set closed by Close. It reports
// false if the server closed while the connection was being dialed.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.backends[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.backends, conn)
	s.mu.Unlock()
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// route runs on the link's receive loop, so it never blocks on the backend.
func (s *Server) route(link int, m protocol.Message) {
	tag := util.StreamTag(m.StreamID)
	switch m.Type {
	case protocol.TypeNewStream:
		inbox, err := s.pool.Register(m.StreamID)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues(obs.RoleServer, "duplicate_stream").Inc()
			util.LogWarning("%s link=%d NewStream ignored: %v", tag, link, err)
			return
		}
		if !s.startRelay() {
			s.pool.Remove(inbox)
			return
		}
		go func() {
			defer s.wg.Done()
			s.relay(link, m.StreamID, inbox)
		}()

	case protocol.TypeData:
		if !s.pool.Streams().Deliver(m.StreamID, m.Payload) {
			obs.DroppedTotal.WithLabelValues(obs.RoleServer).Inc()
			util.LogDebug("%s link=%d dropped %d bytes for closed stream", tag, link, len(m.Payload))
		}

	case protocol.TypeCloseStream:
		if s.pool.Deregister(m.StreamID) {
			util.LogDebug("%s closed by client", tag)
		}

	case protocol.TypeHeartbeat:
		util.LogDebug("link=%d heartbeat", link)
	}
}
