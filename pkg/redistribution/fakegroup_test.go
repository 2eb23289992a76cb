package redistribution

import (
	"context"
	"sync"

	"pxfabric/pkg/group"
)

// fakeHub is an in-process stand-in for the Redis rendezvous RedisGroup
// performs, shared by every rank's *fakeGroup in a test. Collective calls
// (Gather/Broadcast/Barrier) are matched across ranks by call order: since
// every rank in a correct caller issues the exact same sequence of
// collective calls (the same invariant RedisGroup's doc comment relies on),
// a per-rank local step counter is enough to line up each rank's Nth call
// with its peers' Nth call, with no separate handshake needed.
type fakeHub struct {
	size int

	mu    sync.Mutex
	rendz map[int]*rendezvous

	ptpMu sync.Mutex
	ptpCh map[ptpKey]chan []byte
}

type rendezvous struct {
	cond    *sync.Cond
	bufs    [][]byte
	arrived int
}

type ptpKey struct {
	src, dst, tag int
}

func newFakeHub(size int) *fakeHub {
	return &fakeHub{
		size:  size,
		rendz: make(map[int]*rendezvous),
		ptpCh: make(map[ptpKey]chan []byte),
	}
}

// collective blocks every rank's call with the same step index until all
// `size` ranks have arrived, then returns every rank's submitted buffer.
func (h *fakeHub) collective(step, rank int, buf []byte) [][]byte {
	h.mu.Lock()
	r, ok := h.rendz[step]
	if !ok {
		r = &rendezvous{bufs: make([][]byte, h.size)}
		r.cond = sync.NewCond(&h.mu)
		h.rendz[step] = r
	}
	r.bufs[rank] = buf
	r.arrived++
	if r.arrived == h.size {
		r.cond.Broadcast()
	} else {
		for r.arrived < h.size {
			r.cond.Wait()
		}
	}
	out := r.bufs
	h.mu.Unlock()
	return out
}

// ptpQueueDepth bounds how many messages may be queued per (src, dst, tag)
// before send blocks; FillSelection posts one message per row and waits on
// its requests in order, so every row of a transfer must fit without a
// matching receive having been posted yet.
const ptpQueueDepth = 1024

// channel returns the FIFO queue for one (src, dst, tag) key, creating it on
// first use. Messages with the same key are delivered in send order.
func (h *fakeHub) channel(src, dst, tag int) chan []byte {
	h.ptpMu.Lock()
	defer h.ptpMu.Unlock()
	ch, ok := h.ptpCh[ptpKey{src, dst, tag}]
	if !ok {
		ch = make(chan []byte, ptpQueueDepth)
		h.ptpCh[ptpKey{src, dst, tag}] = ch
	}
	return ch
}

func (h *fakeHub) send(src, dst, tag int, data []byte) {
	h.channel(src, dst, tag) <- data
}

func (h *fakeHub) recv(src, dst, tag int) []byte {
	return <-h.channel(src, dst, tag)
}

// fakeGroup implements group.Group over a shared fakeHub, for exercising
// redistribution's Build/FillSelection across multiple simulated ranks
// within a single test process (no Redis required).
type fakeGroup struct {
	hub  *fakeHub
	rank int
	size int
	step int
}

func newFakeGroup(hub *fakeHub, rank, size int) *fakeGroup {
	return &fakeGroup{hub: hub, rank: rank, size: size}
}

func (g *fakeGroup) Rank() int { return g.rank }
func (g *fakeGroup) Size() int { return g.size }

func (g *fakeGroup) Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error) {
	g.step++
	bufs := g.hub.collective(g.step, g.rank, buf)
	return bufs[root], nil
}

func (g *fakeGroup) Gather(ctx context.Context, root int, buf []byte) ([][]byte, error) {
	g.step++
	bufs := g.hub.collective(g.step, g.rank, buf)
	if g.rank != root {
		return nil, nil
	}
	return bufs, nil
}

func (g *fakeGroup) Barrier(ctx context.Context) error {
	g.step++
	g.hub.collective(g.step, g.rank, nil)
	return nil
}

type fakeSendRequest struct {
	hub           *fakeHub
	src, dst, tag int
	data          []byte
}

func (r *fakeSendRequest) Wait(ctx context.Context) error {
	r.hub.send(r.src, r.dst, r.tag, r.data)
	return nil
}

type fakeRecvRequest struct {
	hub           *fakeHub
	src, dst, tag int
	dst2          []byte
	dstOffset     int
	length        int
}

func (r *fakeRecvRequest) Wait(ctx context.Context) error {
	data := r.hub.recv(r.src, r.dst, r.tag)
	copy(r.dst2[r.dstOffset:r.dstOffset+r.length], data)
	return nil
}

func (g *fakeGroup) ISend(ctx context.Context, destRank int, tag int, src []byte, srcOffset, length int) (group.Request, error) {
	data := make([]byte, length)
	copy(data, src[srcOffset:srcOffset+length])
	return &fakeSendRequest{hub: g.hub, src: g.rank, dst: destRank, tag: tag, data: data}, nil
}

func (g *fakeGroup) IRecv(ctx context.Context, srcRank int, tag int, dst []byte, dstOffset, length int) (group.Request, error) {
	return &fakeRecvRequest{hub: g.hub, src: srcRank, dst: g.rank, tag: tag, dst2: dst, dstOffset: dstOffset, length: length}, nil
}
