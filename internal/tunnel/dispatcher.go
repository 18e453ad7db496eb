package tunnel

import (
	"sync"
)

// InboxBufferSize is the per-stream inbox capacity.
const InboxBufferSize = 100

// Inbox receives the Data payloads routed to one stream.
// It is closed exactly once, by whoever removes it from its Dispatcher.
type Inbox struct {
	id   uint32
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newInbox(id uint32) *Inbox {
	return &Inbox{
		id:   id,
		ch:   make(chan []byte, InboxBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the stream id the inbox is registered under.
func (in *Inbox) ID() uint32 { return in.id }

// Recv returns the next payload. After the inbox is closed it keeps returning
// the payloads already queued, then reports false.
func (in *Inbox) Recv() ([]byte, bool) {
	select {
	case p := <-in.ch:
		return p, true
	case <-in.done:
		select {
		case p := <-in.ch:
			return p, true
		default:
			return nil, false
		}
	}
}

// Done is closed when the inbox is removed from its Dispatcher.
func (in *Inbox) Done() <-chan struct{} { return in.done }

func (in *Inbox) close() {
	in.once.Do(func() { close(in.done) })
}

// Dispatcher maintains the stream id → inbox route table.
// Link receive loops use it to route incoming Data to the stream's pumps.
type Dispatcher struct {
	mu         sync.Mutex
	routeTable map[uint32]*Inbox
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routeTable: make(map[uint32]*Inbox),
	}
}

// Register creates the inbox for id. It fails with ErrStreamInUse if id is open.
func (d *Dispatcher) Register(id uint32) (*Inbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routeTable[id]; exists {
		return nil, ErrStreamInUse
	}
	in := newInbox(id)
	d.routeTable[id] = in
	return in, nil
}

// Unregister removes and closes the inbox for id. It reports whether id was open.
func (d *Dispatcher) Unregister(id uint32) bool {
	d.mu.Lock()
	in, ok := d.routeTable[id]
	if ok {
		delete(d.routeTable, id)
	}
	d.mu.Unlock()

	if ok {
		in.close()
	}
	return ok
}

// Remove closes in and drops it from the route table if it is still the
// inbox registered under its id. Calling it more than once is harmless.
func (d *Dispatcher) Remove(in *Inbox) {
	d.mu.Lock()
	if cur, ok := d.routeTable[in.id]; ok && cur == in {
		delete(d.routeTable, in.id)
	}
	d.mu.Unlock()
	in.close()
}

// Deliver queues payload on the inbox for id. It blocks while the inbox is
// full and returns false if id is not registered or the inbox closes first.
func (d *Dispatcher) Deliver(id uint32, payload []byte) bool {
	d.mu.Lock()
	in, ok := d.routeTable[id]
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- payload:
		return true
	case <-in.done:
		return false
	}
}

// RemoveIf removes and closes every inbox whose id matches, and returns how
// many were removed.
func (d *Dispatcher) RemoveIf(match func(id uint32) bool) int {
	d.mu.Lock()
	var inboxes []*Inbox
	for id, in := range d.routeTable {
		if match(id) {
			inboxes = append(inboxes, in)
			delete(d.routeTable, id)
		}
	}
	d.mu.Unlock()

	for _, in := range inboxes {
		in.close()
	}
	return len(inboxes)
}

// Contains reports whether id is open.
func (d *Dispatcher) Contains(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.routeTable[id]
	return ok
}

// Len returns the number of open streams.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routeTable)
}

// CloseAll removes and closes every inbox.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	inboxes := make([]*Inbox, 0, len(d.routeTable))
	for id, in := range d.routeTable {
		inboxes = append(inboxes, in)
		delete(d.routeTable, id)
	}
	d.mu.Unlock()

	for _, in := range inboxes {
		in.close()
	}
}
