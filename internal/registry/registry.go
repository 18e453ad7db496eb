// Package registry records the logical streams a server currently relays.
// The in-memory store serves a single instance; the Redis store lets several
// server instances publish their open streams to one place.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/mtcp/internal/config"
	"github.com/1ureka/mtcp/internal/util"
)

// Entry describes one open stream.
type Entry struct {
	StreamID uint32    `json:"stream_id"`
	Backend  string    `json:"backend"`
	Link     int       `json:"link"`
	Opened   time.Time `json:"opened"`
	Instance string    `json:"instance"`
}

// Store is the stream bookkeeping used by the server.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, streamID uint32) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// New returns a Redis-backed store when cfg.Addr is set, else an in-memory one.
func New(cfg config.RedisConfig) (Store, error) {
	instance := uuid.NewString()
	if cfg.Addr == "" {
		util.LogDebug("stream registry: in-memory (instance %s)", instance)
		return NewMemory(instance), nil
	}
	util.LogInfo("stream registry: redis %s (instance %s)", cfg.Addr, instance)
	return NewRedis(cfg, instance)
}

type memoryStore struct {
	instance string

	mu      sync.Mutex
	entries map[uint32]Entry
}

// NewMemory returns a process-local store.
func NewMemory(instance string) Store {
	return &memoryStore{instance: instance, entries: make(map[uint32]Entry)}
}

func (m *memoryStore) Put(_ context.Context, e Entry) error {
	e.Instance = m.instance
	m.mu.Lock()
	m.entries[e.StreamID] = e
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, streamID uint32) error {
	m.mu.Lock()
	delete(m.entries, streamID)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Instance != es[j].Instance {
			return es[i].Instance < es[j].Instance
		}
		return es[i].StreamID < es[j].StreamID
	})
}
