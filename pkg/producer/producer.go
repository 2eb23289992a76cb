// Package producer implements the producer engine: bootstrap (port bind,
// fleet-directory gather), the connection-acceptance state machine (spec
// §4.1, §4.4), and the per-frame streaming API (spec §4.2).
package producer

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"pxfabric/internal/netutil"
	"pxfabric/pkg/common"
	"pxfabric/pkg/group"
	"pxfabric/pkg/wire"
)

// Behavior selects AdvanceToNextFrame's flow-control policy (spec §4.2).
type Behavior int

const (
	WaitForAll Behavior = iota
	// DropFrames is a producer-only option: no consumer implementation in
	// this package tolerates it (see DESIGN.md Open Question #2). It is
	// kept so a future consumer can opt in once the wire protocol carries
	// a per-frame sequence number.
	DropFrames
)

const (
	tagNextFrame byte = 1
	tagFinished  byte = 2
	tagAck       byte = 255
)

// Producer is one producer process's engine. It is single-threaded: every
// method must be called from the same goroutine (spec §5).
type Producer struct {
	log *zap.Logger

	iface          string
	portMin        int
	portMax        int
	server         *wire.Server
	grp            group.Group
	behavior       Behavior
	registry       *Registry

	img            common.GlobalImage
	localTile      common.Rect

	isLead         bool
	directoryParts [][]byte // the 7-message directory payload pieces, assembled once at Listen
	masterIP       [4]byte
	masterPort     int
	haveMaster     bool

	frameBuf []byte
}

// New binds a TCP listener on a random port in [portMin, portMax] on the
// named interface (spec §4.1) and returns a Producer ready to be
// configured.
func New(iface string, portMin, portMax int, grp group.Group, log *zap.Logger) (*Producer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ip, err := netutil.InterfaceIPv4(iface)
	if err != nil {
		return nil, fmt.Errorf("producer: resolve interface %q: %w", iface, err)
	}
	var srv *wire.Server
	var lastErr error
	for _, port := range netutil.ShufflePorts(portMin, portMax) {
		s, err := wire.Bind(ip.String(), port)
		if err == nil {
			srv = s
			break
		}
		lastErr = err
	}
	if srv == nil {
		return nil, fmt.Errorf("producer: exhausted port range [%d,%d]: %w", portMin, portMax, lastErr)
	}
	return &Producer{
		log:      log,
		iface:    iface,
		portMin:  portMin,
		portMax:  portMax,
		server:   srv,
		grp:      grp,
		behavior: WaitForAll,
		registry: NewRegistry(),
		isLead:   grp.Rank() == 0,
	}, nil
}

func (p *Producer) SetImageFormat(format common.PixelFormat, dtype common.DataType) {
	p.img.Format = format
	p.img.DataType = dtype
}

func (p *Producer) SetGlobalImageSize(w, h int) {
	p.img.Width = w
	p.img.Height = h
}

func (p *Producer) SetLocalImageSize(w, h int) {
	p.localTile.Width = w
	p.localTile.Height = h
}

func (p *Producer) SetLocalImageOffset(x, y int) {
	p.localTile.OffsetX = x
	p.localTile.OffsetY = y
}

// GetMasterIpAddress returns the lead's IPv4 address, non-empty only on
// rank 0, once the fleet directory has been gathered.
func (p *Producer) GetMasterIpAddress() string {
	if !p.isLead || !p.haveMaster {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", p.masterIP[0], p.masterIP[1], p.masterIP[2], p.masterIP[3])
}

// GetMasterPort returns the lead's bound port, non-empty (non-zero) only
// on rank 0.
func (p *Producer) GetMasterPort() int {
	if !p.isLead {
		return 0
	}
	return p.server.Addr().Port
}

// gatherDirectory reports this process's (ip, port) to rank 0 via the
// group primitive and, on rank 0, assembles the 7-message bootstrap reply
// (spec §4.1).
func (p *Producer) gatherDirectory(ctx context.Context, iface string) error {
	ip, err := netutil.InterfaceIPv4(iface)
	if err != nil {
		return fmt.Errorf("producer: resolve local ipv4: %w", err)
	}
	var entry [6]byte
	copy(entry[0:4], ip.To4())
	binary.BigEndian.PutUint16(entry[4:6], uint16(p.server.Addr().Port))

	rows, err := p.grp.Gather(ctx, 0, entry[:])
	if err != nil {
		return fmt.Errorf("producer: gather fleet directory: %w", err)
	}
	if !p.isLead {
		return nil
	}

	p.masterIP = [4]byte{entry[0], entry[1], entry[2], entry[3]}
	p.haveMaster = true

	numProducers := p.grp.Size()
	ipAddrs := make([]byte, 4*numProducers)
	ports := make([]byte, 2*numProducers)
	for r, row := range rows {
		copy(ipAddrs[r*4:r*4+4], row[0:4])
		copy(ports[r*2:r*2+2], row[4:6])
	}

	var endianness [1]byte
	if netutil.IsLittleEndian() {
		endianness[0] = 0
	} else {
		endianness[0] = 1
	}
	var width, height [4]byte
	binary.BigEndian.PutUint32(width[:], uint32(p.img.Width))
	binary.BigEndian.PutUint32(height[:], uint32(p.img.Height))

	p.directoryParts = [][]byte{
		endianness[:],
		ipAddrs,
		ports,
		width[:],
		height[:],
		{byte(p.img.Format)},
		{byte(p.img.DataType)},
	}
	return nil
}

// Listen blocks until at least initial_wait_count connections have reached
// Streaming, draining and classifying server events per spec §4.1/§4.4
// along the way.
func (p *Producer) Listen(ctx context.Context, behavior Behavior, initialWaitCount int) error {
	p.behavior = behavior
	if err := p.gatherDirectory(ctx, p.iface); err != nil {
		return err
	}
	for p.registry.CountStreaming() < initialWaitCount {
		p.handleOneEvent()
	}
	return nil
}

// handleOneEvent drains and classifies exactly one server event (spec
// §4.4).
func (p *Producer) handleOneEvent() {
	ev := p.server.WaitForNextEvent()
	switch ev.Kind {
	case wire.EventConnect:
		p.registry.Create(ev.Conn, ev.Endpoint)
		p.log.Info("producer: connect", zap.String("endpoint", ev.Endpoint))
		if p.isLead {
			for _, part := range p.directoryParts {
				if _, err := p.server.Send(ev.Conn, part, wire.MemCopy); err != nil {
					p.log.Warn("producer: failed to send directory part", zap.Error(err))
				}
			}
		}

	case wire.EventReceiveBinary:
		conn, ok := p.registry.Get(ev.Conn)
		if !ok {
			return
		}
		switch conn.State {
		case Connecting:
			p.handleHandshake(conn, ev.Data)
		case Streaming:
			if len(ev.Data) == 1 && ev.Data[0] == tagAck {
				conn.ReadyToAdvance = true
			} else {
				p.log.Warn("producer: unexpected message while streaming", zap.String("endpoint", conn.Endpoint))
			}
		}

	case wire.EventSendFinished:
		conn, ok := p.registry.Get(ev.Conn)
		if !ok {
			return
		}
		if conn.State == Handshake && conn.hasPendingGeometry && conn.pendingGeometryTicket == ev.Ticket {
			conn.State = Streaming
			conn.ReadyToAdvance = true
			conn.hasPendingGeometry = false
			p.log.Info("producer: connection streaming", zap.String("endpoint", conn.Endpoint))
		}

	case wire.EventDisconnect:
		p.registry.Remove(ev.Conn)
	}
}

func (p *Producer) handleHandshake(conn *Connection, data []byte) {
	if len(data) != 13 {
		p.log.Warn("producer: malformed handshake length, dropping connection", zap.Int("len", len(data)))
		p.server.CloseConn(conn.ID)
		p.registry.Remove(conn.ID)
		return
	}
	// bytes[0:4) carries the producer group's size P as the consumer
	// believes it (learned from the bootstrap directory), not the consumer
	// group's own size — original_source/src/client.cpp packs
	// _num_remote_ranks here, and src/server.cpp validates it against its
	// own MPI_Comm_size. See DESIGN.md Open Question #1.
	numProducers := binary.BigEndian.Uint32(data[0:4])
	if int(numProducers) != p.grp.Size() {
		p.log.Error("producer: producer group size mismatch, rejecting connection",
			zap.Uint32("reported", numProducers), zap.Int("actual", p.grp.Size()))
		p.server.CloseConn(conn.ID)
		p.registry.Remove(conn.ID)
		return
	}
	conn.ConsumerLeadID = binary.BigEndian.Uint64(data[4:12])
	conn.ConsumerLittle = data[12] == 0
	if conn.ConsumerLittle != netutil.IsLittleEndian() {
		p.log.Warn("producer: consumer endianness differs from producer's; bytes forwarded verbatim",
			zap.String("endpoint", conn.Endpoint))
	}
	conn.State = Handshake

	geom := make([]byte, 16)
	binary.NativeEndian.PutUint32(geom[0:4], uint32(p.localTile.Width))
	binary.NativeEndian.PutUint32(geom[4:8], uint32(p.localTile.Height))
	binary.NativeEndian.PutUint32(geom[8:12], uint32(p.localTile.OffsetX))
	binary.NativeEndian.PutUint32(geom[12:16], uint32(p.localTile.OffsetY))

	ticket, err := p.server.Send(conn.ID, geom, wire.MemCopy)
	if err != nil {
		p.log.Warn("producer: failed to send geometry reply", zap.Error(err))
		return
	}
	conn.pendingGeometryTicket = ticket
	conn.hasPendingGeometry = true
}

// SetFrameImage records buf as the current tile; it must remain live until
// the next SetFrameImage or Finalize (spec §4.2).
func (p *Producer) SetFrameImage(buf []byte) {
	p.frameBuf = buf
}

// Write sends TAG_NEXT_FRAME followed by the tile to every Streaming
// connection and clears their ready_to_advance flag (spec §4.2).
func (p *Producer) Write() {
	p.registry.Each(func(c *Connection) {
		if c.State != Streaming {
			return
		}
		if _, err := p.server.Send(c.ID, []byte{tagNextFrame}, wire.MemCopy); err != nil {
			p.log.Warn("producer: write tag failed", zap.String("endpoint", c.Endpoint), zap.Error(err))
			return
		}
		if _, err := p.server.Send(c.ID, p.frameBuf, wire.MemCopy); err != nil {
			p.log.Warn("producer: write tile failed", zap.String("endpoint", c.Endpoint), zap.Error(err))
			return
		}
		c.ReadyToAdvance = false
	})
}

// AdvanceToNextFrame applies the configured flow-control behavior (spec
// §4.2). Under WaitForAll it drains events until every Streaming
// connection has acked. Under DropFrames it returns immediately.
func (p *Producer) AdvanceToNextFrame() {
	if p.behavior == DropFrames {
		return
	}
	for !p.allStreamingReady() {
		p.handleOneEvent()
	}
}

func (p *Producer) allStreamingReady() bool {
	ready := true
	p.registry.Each(func(c *Connection) {
		if c.State == Streaming && !c.ReadyToAdvance {
			ready = false
		}
	})
	return ready
}

// Finalize sends TAG_FINISHED to every connection, waits for any
// straggling acks still in flight, then barriers across the producer
// group (spec §4.2).
func (p *Producer) Finalize(ctx context.Context) error {
	p.registry.Each(func(c *Connection) {
		if c.State != Streaming {
			return
		}
		if _, err := p.server.Send(c.ID, []byte{tagFinished}, wire.MemCopy); err != nil {
			p.log.Warn("producer: finalize send failed", zap.String("endpoint", c.Endpoint), zap.Error(err))
		}
	})
	for !p.allStreamingReady() {
		p.handleOneEvent()
	}
	p.registry.Each(func(c *Connection) {
		if c.State == Streaming {
			c.State = Finished
		}
	})
	return p.grp.Barrier(ctx)
}

// Close releases the bound listener and all accepted connections.
func (p *Producer) Close() error {
	return p.server.Close()
}
