// Package consumer implements the consumer engine: bootstrap discovery
// against the producer lead, connection assignment and handshake, and the
// double-buffered per-frame pixel list fed by one reader goroutine per
// producer connection (spec §4.2).
package consumer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pxfabric/internal/netutil"
	"pxfabric/pkg/common"
	"pxfabric/pkg/format"
	"pxfabric/pkg/group"
	"pxfabric/pkg/redistribution"
	"pxfabric/pkg/wire"
)

const (
	tagNextFrame byte = 1
	tagFinished  byte = 2
	tagAck       byte = 255
)

// link is the consumer-side view of one connection to a producer: the
// socket, the geometry it reported at handshake, and where its bytes live
// in each pixel-list buffer.
type link struct {
	client      *wire.Client
	producerIdx int
	tile        common.Rect
	byteLen     int
	slotOffset  int
	terminal    bool
}

// Consumer is one consumer process's engine. Read/FrontBuffer/OwnChunks may
// be called from any single goroutine in sequence; the reader goroutines it
// owns internally are the only other concurrency in this type (spec §4.2).
type Consumer struct {
	log *zap.Logger
	grp          group.Group
	img          common.GlobalImage
	numProducers int

	links []*link

	mu                sync.Mutex
	cond              *sync.Cond // guards/broadcasts begin_read and read_finished_count
	backIdx           int        // 0 or 1: which pixelList buffer readers are currently filling
	beginRead         []bool
	readFinishedCount int
	activeCount       int
	finishedCount     int

	pixelList [2][]byte
	started   bool
}

// New performs the full bootstrap sequence (spec §4.1): rank 0 dials the
// lead producer and reads the seven framed bootstrap messages, the result
// is broadcast across the consumer group in three rounds (producer count,
// bootstrap blob, handshake prefix), then every rank dials its assigned
// producers and exchanges the 13-byte handshake for a 16-byte geometry
// reply.
func New(ctx context.Context, leadHost string, leadPort int, grp group.Group, log *zap.Logger) (*Consumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rank, numConsumers := grp.Rank(), grp.Size()

	var lead *wire.Client
	var producers []producerInfo
	var img common.GlobalImage
	var leadLittle bool
	var err error
	if rank == 0 {
		lead, producers, img, leadLittle, err = discover(leadHost, leadPort)
		if err != nil {
			return nil, fmt.Errorf("consumer: bootstrap discovery: %w", err)
		}
	}

	var pBuf [4]byte
	if rank == 0 {
		binary.BigEndian.PutUint32(pBuf[:], uint32(len(producers)))
	}
	pOut, err := grp.Broadcast(ctx, 0, pBuf[:])
	if err != nil {
		return nil, fmt.Errorf("consumer: broadcast producer count: %w", err)
	}
	numProducers := int(binary.BigEndian.Uint32(pOut))
	if numProducers == 0 {
		return nil, fmt.Errorf("consumer: lead reported zero producers")
	}

	blobLen := 11 + 6*numProducers
	blob := make([]byte, blobLen)
	if rank == 0 {
		if leadLittle {
			blob[0] = 0
		} else {
			blob[0] = 1
		}
		off := 1
		for _, p := range producers {
			copy(blob[off:off+4], p.ip.To4())
			off += 4
		}
		for _, p := range producers {
			binary.BigEndian.PutUint16(blob[off:off+2], uint16(p.port))
			off += 2
		}
		binary.BigEndian.PutUint32(blob[off:], uint32(img.Width))
		off += 4
		binary.BigEndian.PutUint32(blob[off:], uint32(img.Height))
		off += 4
		blob[off] = byte(img.Format)
		off++
		blob[off] = byte(img.DataType)
	}
	blobOut, err := grp.Broadcast(ctx, 0, blob)
	if err != nil {
		return nil, fmt.Errorf("consumer: broadcast bootstrap blob: %w", err)
	}
	if rank != 0 {
		leadLittle = blobOut[0] == 0
		off := 1
		producers = make([]producerInfo, numProducers)
		for i := range producers {
			producers[i].ip = append([]byte(nil), blobOut[off:off+4]...)
			off += 4
		}
		for i := range producers {
			producers[i].port = int(binary.BigEndian.Uint16(blobOut[off : off+2]))
			off += 2
		}
		img.Width = int(binary.BigEndian.Uint32(blobOut[off:]))
		off += 4
		img.Height = int(binary.BigEndian.Uint32(blobOut[off:]))
		off += 4
		img.Format = common.PixelFormat(blobOut[off])
		off++
		img.DataType = common.DataType(blobOut[off])
	}

	var hs12 [12]byte
	if rank == 0 {
		leadIP, leadPort2, err := lead.LocalAddr4()
		if err != nil {
			return nil, fmt.Errorf("consumer: read bootstrap socket local addr: %w", err)
		}
		hs12 = buildHandshake(numProducers, leadIP, leadPort2)
	}
	hsOut, err := grp.Broadcast(ctx, 0, hs12[:])
	if err != nil {
		return nil, fmt.Errorf("consumer: broadcast handshake prefix: %w", err)
	}
	var handshake [13]byte
	copy(handshake[:12], hsOut)
	if netutil.IsLittleEndian() {
		handshake[12] = 0
	} else {
		handshake[12] = 1
	}

	start, end := connectionRange(rank, numConsumers, numProducers)
	clients, err := dialAssigned(lead, rank, start, end, producers, log)
	if err != nil {
		return nil, err
	}

	links := make([]*link, 0, len(clients))
	offset := 0
	for i, c := range clients {
		if err := c.WriteFrame(handshake[:], wire.MemCopy); err != nil {
			return nil, fmt.Errorf("consumer: send handshake to producer %d: %w", start+i, err)
		}
		geom, err := c.ReadFrame()
		if err != nil || len(geom) != 16 {
			return nil, fmt.Errorf("consumer: read geometry reply from producer %d: %w", start+i, err)
		}
		tile := common.Rect{
			Width:   int(binary.NativeEndian.Uint32(geom[0:4])),
			Height:  int(binary.NativeEndian.Uint32(geom[4:8])),
			OffsetX: int(binary.NativeEndian.Uint32(geom[8:12])),
			OffsetY: int(binary.NativeEndian.Uint32(geom[12:16])),
		}
		byteLen, err := format.TileByteSize(tile.Width, tile.Height, img.Format, img.DataType)
		if err != nil {
			return nil, fmt.Errorf("consumer: tile byte size for producer %d: %w", start+i, err)
		}
		links = append(links, &link{client: c, producerIdx: start + i, tile: tile, byteLen: byteLen, slotOffset: offset})
		offset += byteLen
	}

	c := &Consumer{
		log:          log,
		grp:          grp,
		img:          img,
		numProducers: numProducers,
		links:        links,
		beginRead:    make([]bool, len(links)),
		activeCount:  len(links),
	}
	c.cond = sync.NewCond(&c.mu)
	c.pixelList[0] = make([]byte, offset)
	c.pixelList[1] = make([]byte, offset)
	return c, nil
}

// GlobalImage returns the negotiated frame geometry and format.
func (c *Consumer) GlobalImage() common.GlobalImage { return c.img }

// NumProducers returns the total producer-group size P, used by callers to
// bound redistribution.Build's per-rank chunk table.
func (c *Consumer) NumProducers() int { return c.numProducers }

// OwnChunks returns this process's tiles as redistribution.Chunk values,
// addressed into whichever buffer is currently the front buffer — the
// layout is identical in both buffers, so the offsets never change across
// frames.
func (c *Consumer) OwnChunks() []redistribution.Chunk {
	chunks := make([]redistribution.Chunk, len(c.links))
	for i, l := range c.links {
		chunks[i] = redistribution.Chunk{Rect: l.tile, ByteOffset: l.slotOffset}
	}
	return chunks
}

// Start launches one reader goroutine per producer connection and primes
// the pipeline so the first Read() call has a round already in flight
// (spec §4.2: "the consumer primes the pipeline before the first frame is
// requested").
func (c *Consumer) Start() {
	if c.started {
		return
	}
	c.started = true
	for i, l := range c.links {
		go c.readLoop(i, l)
	}
	c.mu.Lock()
	c.beginRound()
	c.mu.Unlock()
}

// beginRound resets read_finished_count, releases every non-terminal
// reader for one more round, and flips the back-buffer bit so the buffer
// that just finished filling becomes the new front buffer. Callers must
// hold c.mu.
func (c *Consumer) beginRound() {
	c.readFinishedCount = 0
	active := 0
	for i, l := range c.links {
		if !l.terminal {
			c.beginRead[i] = true
			active++
		}
	}
	c.activeCount = active
	c.backIdx = 1 - c.backIdx
	c.cond.Broadcast()
}

func (c *Consumer) frontIdx() int { return 1 - c.backIdx }

// readLoop is one producer connection's reader thread (spec §4.2): wait for
// begin_read, read exactly one tag byte, then either the tile payload
// (TAG_NEXT_FRAME, acked once written into the back buffer) or nothing
// further (TAG_FINISHED, which ends the loop).
func (c *Consumer) readLoop(idx int, l *link) {
	for {
		c.mu.Lock()
		for !c.beginRead[idx] {
			c.cond.Wait()
		}
		c.beginRead[idx] = false
		backIdx := c.backIdx
		c.mu.Unlock()

		tag, err := l.client.ReadFrame()
		if err != nil || len(tag) != 1 {
			c.log.Warn("consumer: reader lost connection", zap.Int("producer_index", l.producerIdx), zap.Error(err))
			c.finishRound(idx, true)
			return
		}

		switch tag[0] {
		case tagNextFrame:
			dst := c.pixelList[backIdx][l.slotOffset : l.slotOffset+l.byteLen]
			if err := l.client.ReadFrameInto(dst); err != nil {
				c.log.Warn("consumer: reading tile payload failed", zap.Int("producer_index", l.producerIdx), zap.Error(err))
				c.finishRound(idx, true)
				return
			}
			if err := l.client.WriteFrame([]byte{tagAck}, wire.MemCopy); err != nil {
				c.log.Warn("consumer: ack failed", zap.Int("producer_index", l.producerIdx), zap.Error(err))
			}
			c.finishRound(idx, false)

		case tagFinished:
			c.finishRound(idx, true)
			return

		default:
			c.log.Warn("consumer: unexpected tag", zap.Int("producer_index", l.producerIdx), zap.Uint8("tag", tag[0]))
			c.finishRound(idx, false)
		}
	}
}

func (c *Consumer) finishRound(idx int, terminal bool) {
	c.mu.Lock()
	if terminal && !c.links[idx].terminal {
		c.links[idx].terminal = true
		c.finishedCount++
	}
	c.readFinishedCount++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read blocks until every active reader has finished filling the current
// back buffer, then starts the next round and returns — after Read
// returns, FrontBuffer() holds this frame's data (spec §4.2).
func (c *Consumer) Read() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.readFinishedCount < c.activeCount {
		c.cond.Wait()
	}
	c.beginRound()
}

// FrontBuffer returns the pixel list for the most recently completed round.
// The returned slice is only valid until the next Read() call.
func (c *Consumer) FrontBuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pixelList[c.frontIdx()]
}

// ServerFinished reports whether every producer connection has sent
// TAG_FINISHED.
func (c *Consumer) ServerFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedCount == len(c.links)
}

// Close closes every producer connection.
func (c *Consumer) Close() error {
	var firstErr error
	for _, l := range c.links {
		if err := l.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
