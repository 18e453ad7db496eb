package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/protocol"
	"github.com/1ureka/mtcp/internal/registry"
	"github.com/1ureka/mtcp/internal/transport"
	"github.com/1ureka/mtcp/internal/util"
)

const registryTimeout = 2 * time.Second

// relay bridges one server-side stream with its backend connection.
// The inbox is already registered, so Data that arrives while the backend
// is being dialed is queued rather than dropped.
func (s *Server) relay(link int, id uint32, inbox *Inbox) {
	tag := util.StreamTag(id)
	addr := s.cfg.BackendAddr()

	backend, err := s.backend.Dial(s.baseContext(), addr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues(obs.RoleServer, "backend_dial").Inc()
		util.LogError("%s backend dial %s failed: %v", tag, addr, err)
		s.pool.Remove(inbox)
		if err := s.pool.SendStream(id, protocol.CloseStream(id)); err != nil {
			util.LogWarning("%s close not delivered: %v", tag, err)
		}
		return
	}
	defer backend.Close()
	if !s.track(backend) {
		s.pool.Remove(inbox)
		return
	}
	defer s.untrack(backend)

	start := time.Now()
	util.Stats.OpenStream()
	obs.StreamsTotal.WithLabelValues(obs.RoleServer).Inc()
	obs.StreamsActive.WithLabelValues(obs.RoleServer).Inc()
	util.LogInfo("%s link=%d connected to backend %s", tag, link, addr)
	s.register(registry.Entry{StreamID: id, Backend: addr, Link: link, Opened: start})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.toBackend(id, backend, inbox)
	}()
	s.fromBackend(id, backend, inbox)
	wg.Wait()

	s.pool.Remove(inbox)
	s.unregister(id)
	util.Stats.CloseStream()
	obs.StreamsActive.WithLabelValues(obs.RoleServer).Dec()
	obs.StreamDuration.WithLabelValues(obs.RoleServer).Observe(time.Since(start).Seconds())
	util.LogInfo("%s closed after %s", tag, time.Since(start).Round(time.Millisecond))
}

// toBackend writes inbox payloads to the backend. When the client closes the
// stream the backend's write side is shut so it sees EOF.
func (s *Server) toBackend(id uint32, backend net.Conn, inbox *Inbox) {
	for {
		p, ok := inbox.Recv()
		if !ok {
			break
		}
		if _, err := backend.Write(p); err != nil {
			util.LogWarning("%s backend write: %v", util.StreamTag(id), err)
			s.pool.Remove(inbox)
			return
		}
	}
	_ = transport.CloseWrite(backend)
}

// fromBackend sends backend bytes back as Data. On backend EOF or error the
// stream is closed on both sides.
func (s *Server) fromBackend(id uint32, backend net.Conn, inbox *Inbox) {
	tag := util.StreamTag(id)
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			if err := s.pool.SendStream(id, protocol.Data(id, buf[:n])); err != nil {
				util.LogError("%s %v", tag, err)
				s.pool.Remove(inbox)
				return
			}
		}
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("%s backend read: %v", tag, err)
			}
			break
		}
	}

	s.pool.Remove(inbox)
	if err := s.pool.SendStream(id, protocol.CloseStream(id)); err != nil {
		util.LogWarning("%s close not delivered: %v", tag, err)
		return
	}
	util.LogDebug("%s backend EOF, CloseStream sent", tag)
}

func (s *Server) register(e registry.Entry) {
	ctx, cancel := context.WithTimeout(s.baseContext(), registryTimeout)
	defer cancel()
	if err := s.store.Put(ctx, e); err != nil {
		util.LogWarning("%s registry put: %v", util.StreamTag(e.StreamID), err)
	}
}

func (s *Server) unregister(id uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, id); err != nil {
		util.LogWarning("%s registry delete: %v", util.StreamTag(id), err)
	}
}
