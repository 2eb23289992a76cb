package producer

import (
	"sync"

	"pxfabric/pkg/wire"
)

// State is a producer-side connection's position in its lifecycle (spec
// §3): Connecting on accept, Handshake once the 13-byte handshake is
// validated, Streaming once the geometry reply has been sent, Finished
// once Finalize has flushed it.
type State int

const (
	Connecting State = iota
	Handshake
	Streaming
	Finished
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshake:
		return "Handshake"
	case Streaming:
		return "Streaming"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Connection is the producer-side view of one consumer connection (spec
// §3).
type Connection struct {
	ID             wire.ConnID
	Endpoint       string
	State          State
	ReadyToAdvance bool
	ConsumerLittle bool   // the consumer's reported endianness (true = little)
	ConsumerLeadID uint64 // bytes[4:12) of the handshake: lead_ipv4<<32|lead_port

	pendingGeometryTicket wire.SendTicket
	hasPendingGeometry    bool
}

// Registry is a ConnectionRegistry keyed by the server's ConnID (each entry
// also records its endpoint string), with deterministic
// iteration order so Write() fans out to connections in the same order on
// every run — the abstraction spec §9's design notes call for in place of
// a bare map keyed by endpoint string.
type Registry struct {
	mu      sync.Mutex
	byID    map[wire.ConnID]*Connection
	order   []wire.ConnID // insertion order, the iteration order Each uses
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[wire.ConnID]*Connection)}
}

// Create registers a new Connecting-state connection.
func (r *Registry) Create(id wire.ConnID, endpoint string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Connection{ID: id, Endpoint: endpoint, State: Connecting}
	r.byID[id] = c
	r.order = append(r.order, id)
	return c
}

// Get looks up a connection by id.
func (r *Registry) Get(id wire.ConnID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove deletes a connection (on Disconnect).
func (r *Registry) Remove(id wire.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Each calls fn for every connection in deterministic (insertion) order.
// fn must not call back into the Registry.
func (r *Registry) Each(fn func(*Connection)) {
	r.mu.Lock()
	snapshot := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.byID[id])
	}
	r.mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}

// CountStreaming returns the number of connections currently in Streaming
// state.
func (r *Registry) CountStreaming() int {
	count := 0
	r.Each(func(c *Connection) {
		if c.State == Streaming {
			count++
		}
	})
	return count
}
