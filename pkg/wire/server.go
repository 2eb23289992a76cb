package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"pxfabric/internal/netutil"
)

// EventKind enumerates the four server-side events required by spec §6.3.
type EventKind int

const (
	EventConnect EventKind = iota
	EventReceiveBinary
	EventSendFinished
	EventDisconnect
)

// SendTicket is the opaque handle a caller gets back from Server.Send and
// receives again on the matching EventSendFinished. Re-modeled this way
// instead of matching on outgoing-buffer pointer identity, per the design
// note in spec §9 about SendFinished identity coupling.
type SendTicket uint64

// ConnID identifies one accepted connection for the lifetime of the
// process. It is assigned at Connect and is stable across ReceiveBinary/
// SendFinished/Disconnect events for that connection.
type ConnID uint64

// Event is one item drained from Server.WaitForNextEvent.
type Event struct {
	Kind     EventKind
	Conn     ConnID
	Endpoint string     // remote address string, set on EventConnect
	Data     []byte     // set on EventReceiveBinary
	Ticket   SendTicket // set on EventSendFinished
}

// sendItem is one queued frame for a connection's writer goroutine.
type sendItem struct {
	payload []byte
	ticket  SendTicket
}

// connState tracks one accepted connection plus its ordered send queue. Every
// write to conn happens on sendLoop alone, so frames from back-to-back Send
// calls never interleave on the wire (spec §6.1's ordered framing).
type connState struct {
	conn net.Conn

	sendMu sync.Mutex
	sendCh chan sendItem
	closed bool
}

// enqueue posts item onto the send queue, returning false if the connection
// is already being torn down (sendCh closed) rather than racing a send on a
// closed channel.
func (c *connState) enqueue(item sendItem) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	c.sendCh <- item
	return true
}

func (c *connState) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// Server accepts TCP connections on one bound port and delivers a single
// event queue, as required by spec §6.3 (server-side). The producer engine
// is the only consumer of this type: it drives itself from one blocking
// WaitForNextEvent call per spec §5's single-threaded event loop.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	conns   map[ConnID]*connState
	nextID  atomic.Uint64
	ticket  atomic.Uint64
	events  chan Event
	closeCh chan struct{}
}

// ErrAddrInUse is returned by Bind when the requested port is already bound.
var ErrAddrInUse = errors.New("wire: address already in use")

// Bind attempts to listen on iface:port. It returns ErrAddrInUse (wrapped)
// on collision so callers can retry a different port, per spec §4.1's
// Fisher–Yates port-range scan.
func Bind(iface string, port int) (*Server, error) {
	lc := netutil.ListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("%s:%d", iface, port))
	if err != nil {
		if isAddrInUse(err) {
			return nil, fmt.Errorf("%w: %s:%d", ErrAddrInUse, iface, port)
		}
		return nil, err
	}
	s := &Server{
		ln:      ln,
		conns:   make(map[ConnID]*connState),
		events:  make(chan Event, 256),
		closeCh: make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func isAddrInUse(err error) bool {
	var sysErr *net.OpError
	if errors.As(err, &sysErr) {
		return true // any bind failure in this slot is treated as "try the next port"
	}
	return false
}

// Addr returns the bound TCP address.
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				return
			}
		}
		id := ConnID(s.nextID.Add(1))
		cs := &connState{conn: conn, sendCh: make(chan sendItem, 256)}
		s.mu.Lock()
		s.conns[id] = cs
		s.mu.Unlock()

		s.events <- Event{Kind: EventConnect, Conn: id, Endpoint: conn.RemoteAddr().String()}
		go s.readLoop(id, cs)
		go s.sendLoop(id, cs)
	}
}

func (s *Server) readLoop(id ConnID, cs *connState) {
	for {
		payload, err := ReadFrame(cs.conn)
		if err != nil {
			s.disconnect(id, cs)
			return
		}
		s.events <- Event{Kind: EventReceiveBinary, Conn: id, Data: payload}
	}
}

// sendLoop is the single writer for one connection: it drains sendCh in
// enqueue order, writing each frame to completion before starting the next,
// so two Send calls to the same connection never interleave on the wire
// (spec §6.1's ordered framing; this is what the original ThreadedTcpServer's
// per-connection send queue provides).
func (s *Server) sendLoop(id ConnID, cs *connState) {
	for item := range cs.sendCh {
		if err := WriteFrame(cs.conn, item.payload); err != nil {
			s.disconnect(id, cs)
			return
		}
		s.events <- Event{Kind: EventSendFinished, Conn: id, Ticket: item.ticket}
	}
}

// disconnect forgets conn id and emits EventDisconnect exactly once, however
// the connection was found to be dead (read error or write error).
func (s *Server) disconnect(id ConnID, cs *connState) {
	s.mu.Lock()
	_, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	cs.close()
	s.events <- Event{Kind: EventDisconnect, Conn: id}
}

// WaitForNextEvent blocks until an event is available and returns it. This
// is the single suspension point the producer engine's event loop uses
// (spec §5).
func (s *Server) WaitForNextEvent() Event {
	return <-s.events
}

// Send queues payload for delivery to conn and returns a ticket that will
// accompany the matching EventSendFinished once the write completes. mode
// is accepted for contract compatibility (see CopyMode doc). The frame is
// appended to the connection's single send queue (sendLoop), not written
// from this goroutine, so ordering across concurrent Send calls is preserved.
func (s *Server) Send(id ConnID, payload []byte, mode CopyMode) (SendTicket, error) {
	s.mu.Lock()
	cs, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("wire: send to unknown connection %d", id)
	}
	ticket := SendTicket(s.ticket.Add(1))
	if !cs.enqueue(sendItem{payload: payload, ticket: ticket}) {
		return 0, fmt.Errorf("wire: send to closed connection %d", id)
	}
	return ticket, nil
}

// Endpoint returns the remote endpoint string for a connection, the same
// string delivered on its EventConnect.
func (s *Server) Endpoint(id ConnID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.conns[id]
	if !ok {
		return "", false
	}
	return cs.conn.RemoteAddr().String(), true
}

// CloseConn forcibly closes and forgets one accepted connection, used to
// reject a connection that fails handshake validation (a malformed
// handshake or a group size disagreement).
func (s *Server) CloseConn(id ConnID) {
	s.mu.Lock()
	cs, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if ok {
		cs.close()
		cs.conn.Close()
	}
}

// Close shuts down the listener and all accepted connections.
func (s *Server) Close() error {
	close(s.closeCh)
	s.mu.Lock()
	for _, cs := range s.conns {
		cs.close()
		cs.conn.Close()
	}
	s.mu.Unlock()
	return s.ln.Close()
}
