// Package redistribution builds and executes the RedistributionDescriptor
// described in spec §4.3: given the tiles a consumer process owns and the
// subregion it wants, it computes the intra-consumer-group plan that
// shuffles pixel-list bytes into the caller's output buffer every frame.
//
// The chunk-ownership table is built with one Gather+Broadcast round over
// the consumer group (an Allgather composed from the two primitives Group
// actually exposes), grounded on the teacher's bootstrap-directory shape in
// pkg/coordinator/coordinator.go: one round trip to learn what every peer
// owns, reused for the lifetime of the descriptor.
package redistribution

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"pxfabric/pkg/common"
	"pxfabric/pkg/format"
	"pxfabric/pkg/group"
)

// Chunk is one rectangle a consumer process owns in its local pixel list:
// its position in the global image (pixel coordinates) and the byte offset
// in the owner's pixel list where its bytes begin.
type Chunk struct {
	Rect       common.Rect
	ByteOffset int
}

const chunkRecordSize = 1 + 4*4 + 8 // valid flag + 4 int32 + int64 offset

func encodeChunks(chunks []Chunk, maxChunks int) []byte {
	buf := make([]byte, maxChunks*chunkRecordSize)
	for i := 0; i < maxChunks && i < len(chunks); i++ {
		off := i * chunkRecordSize
		buf[off] = 1
		binary.LittleEndian.PutUint32(buf[off+1:], uint32(chunks[i].Rect.Width))
		binary.LittleEndian.PutUint32(buf[off+5:], uint32(chunks[i].Rect.Height))
		binary.LittleEndian.PutUint32(buf[off+9:], uint32(chunks[i].Rect.OffsetX))
		binary.LittleEndian.PutUint32(buf[off+13:], uint32(chunks[i].Rect.OffsetY))
		binary.LittleEndian.PutUint64(buf[off+17:], uint64(chunks[i].ByteOffset))
	}
	return buf
}

func decodeChunks(buf []byte, maxChunks int) []Chunk {
	out := make([]Chunk, 0, maxChunks)
	for i := 0; i < maxChunks; i++ {
		off := i * chunkRecordSize
		if buf[off] == 0 {
			continue
		}
		out = append(out, Chunk{
			Rect: common.Rect{
				Width:   int(binary.LittleEndian.Uint32(buf[off+1:])),
				Height:  int(binary.LittleEndian.Uint32(buf[off+5:])),
				OffsetX: int(binary.LittleEndian.Uint32(buf[off+9:])),
				OffsetY: int(binary.LittleEndian.Uint32(buf[off+13:])),
			},
			ByteOffset: int(binary.LittleEndian.Uint64(buf[off+17:])),
		})
	}
	return out
}

func encodeSelection(s common.ConsumerSelection) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(s.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.Height))
	binary.LittleEndian.PutUint32(buf[8:], uint32(s.OffsetX))
	binary.LittleEndian.PutUint32(buf[12:], uint32(s.OffsetY))
	return buf
}

func decodeSelection(buf []byte) common.ConsumerSelection {
	return common.ConsumerSelection{
		Width:   int(binary.LittleEndian.Uint32(buf[0:])),
		Height:  int(binary.LittleEndian.Uint32(buf[4:])),
		OffsetX: int(binary.LittleEndian.Uint32(buf[8:])),
		OffsetY: int(binary.LittleEndian.Uint32(buf[12:])),
	}
}

// rowTransfer is one strided row's worth of bytes: sends/receives are
// decomposed row-by-row because the Group interface only moves flat byte
// ranges (Go has no MPI strided datatypes, spec §9's "type system" note).
type rowTransfer struct {
	offset int
	length int
}

// planEntry is one (chunk, peer) pair's worth of work. sendTag/recvTag are
// content-derived region keys (xxhash of the owning chunk's rectangle)
// rather than the bare chunk-slot index, so a transfer's wire tag
// identifies the region being moved instead of its position in a
// same-on-both-sides but otherwise arbitrary per-rank chunk list.
type planEntry struct {
	peer    int
	sends   []rowTransfer // rows to send to peer, valid only if we own this chunk
	recvs   []rowTransfer // rows to receive from peer, valid only if peer owns this chunk
	sendTag int
	recvTag int
}

// regionTag hashes a chunk's rectangle into a stable, content-derived tag
// both the sending and receiving rank compute identically (both read the
// same allgathered chunk-ownership table), used in place of a
// Sprintf-built string key.
func regionTag(r common.Rect) int {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.Height))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.OffsetX))
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.OffsetY))
	return int(xxhash.Sum64(buf[:]) & 0x7fffffff)
}

// Descriptor is the immutable, reusable per-frame transfer plan built by
// Build. It is owned by the caller, not the consumer engine (spec §5).
type Descriptor struct {
	grp       group.Group
	selection common.ConsumerSelection
	outBytes  int
	// entries[k] holds the per-peer send/recv plan for chunk index k.
	entries [][]planEntry
}

// OutputBytes returns sel_width*sel_height*bytes_per_pixel (or the DXT1
// block-adjusted equivalent), the exact size FillSelection's output buffer
// must be.
func (d *Descriptor) OutputBytes() int { return d.outBytes }

// Build computes the redistribution plan for the calling process. ownChunks
// is the set of tiles this consumer holds (in pixel-list order); selection
// is what this consumer wants; maxChunksPerRank bounds the per-rank chunk
// table (callers pass the producer count P, since no consumer can own more
// than P tiles).
func Build(ctx context.Context, g group.Group, img common.GlobalImage, ownChunks []Chunk, selection common.ConsumerSelection, maxChunksPerRank int) (*Descriptor, error) {
	if img.Format == common.FormatDXT1 && !selection.Aligned4() {
		return nil, fmt.Errorf("redistribution: DXT1 selection must be 4-pixel aligned: %+v", selection)
	}
	if !selection.Inside(img.Width, img.Height) {
		return nil, fmt.Errorf("redistribution: selection %+v lies outside global image %dx%d", selection, img.Width, img.Height)
	}

	allSelections, err := allgather(ctx, g, encodeSelection(selection))
	if err != nil {
		return nil, fmt.Errorf("redistribution: allgather selections: %w", err)
	}
	allChunkBufs, err := allgather(ctx, g, encodeChunks(ownChunks, maxChunksPerRank))
	if err != nil {
		return nil, fmt.Errorf("redistribution: allgather chunks: %w", err)
	}

	size := g.Size()
	selections := make([]common.ConsumerSelection, size)
	chunksByRank := make([][]Chunk, size)
	maxChunks := 0
	for r := 0; r < size; r++ {
		selections[r] = decodeSelection(allSelections[r])
		chunksByRank[r] = decodeChunks(allChunkBufs[r], maxChunksPerRank)
		if len(chunksByRank[r]) > maxChunks {
			maxChunks = len(chunksByRank[r])
		}
	}

	bypp, err := format.BytesPerPixel(img.Format, img.DataType)
	if err != nil && img.Format != common.FormatDXT1 {
		return nil, err
	}
	isDXT1 := img.Format == common.FormatDXT1

	mySel := selections[g.Rank()]
	mySelByte := toByteRect(mySel, img.Height, bypp, isDXT1)

	entries := make([][]planEntry, maxChunks)
	for k := 0; k < maxChunks; k++ {
		var peerEntries []planEntry
		myChunk, iOwnK := chunkAt(chunksByRank[g.Rank()], k)
		for r := 0; r < size; r++ {
			entry := planEntry{peer: r}
			any := false

			if iOwnK {
				peerSelByte := toByteRect(selections[r], img.Height, bypp, isDXT1)
				myChunkByte := toByteRect(myChunk.Rect, img.Height, bypp, isDXT1)
				if inter, ok := myChunkByte.Intersect(peerSelByte); ok {
					entry.sends = stridedRows(inter, myChunkByte, myChunk.ByteOffset)
					entry.sendTag = regionTag(myChunk.Rect)
					any = true
				}
			}

			if peerChunk, ok := chunkAt(chunksByRank[r], k); ok {
				peerChunkByte := toByteRect(peerChunk.Rect, img.Height, bypp, isDXT1)
				if inter, ok := peerChunkByte.Intersect(mySelByte); ok {
					entry.recvs = stridedRows(inter, mySelByte, 0)
					entry.recvTag = regionTag(peerChunk.Rect)
					any = true
				}
			}

			if any {
				peerEntries = append(peerEntries, entry)
			}
		}
		entries[k] = peerEntries
	}

	// mySelByte.Width is already the fast-axis byte width (2*w for DXT1,
	// w*bypp otherwise) and mySelByte.Height is rows (block-rows for
	// DXT1), so their product is exactly the selection's byte size.
	outBytes := mySelByte.Width * mySelByte.Height

	return &Descriptor{grp: g, selection: mySel, outBytes: outBytes, entries: entries}, nil
}

func chunkAt(chunks []Chunk, k int) (Chunk, bool) {
	if k < 0 || k >= len(chunks) {
		return Chunk{}, false
	}
	return chunks[k], true
}

// allgather composes Gather+Broadcast (both rooted at rank 0) into an
// Allgather: every rank's request is not directly supported by Group, so
// the core builds it from the two primitives the interface actually
// exposes.
func allgather(ctx context.Context, g group.Group, buf []byte) ([][]byte, error) {
	gathered, err := g.Gather(ctx, 0, buf)
	if err != nil {
		return nil, err
	}
	var flat []byte
	if g.Rank() == 0 {
		flat = make([]byte, 0, len(buf)*g.Size())
		for _, b := range gathered {
			flat = append(flat, b...)
		}
	}
	out, err := g.Broadcast(ctx, 0, flat)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, g.Size())
	for r := 0; r < g.Size(); r++ {
		result[r] = out[r*len(buf) : (r+1)*len(buf)]
	}
	return result, nil
}

// byteRect is a rectangle expressed in byte-coordinates along the fast
// axis (spec §4.3): Width/OffsetX in bytes, Height/OffsetY in rows (or
// DXT1 block-rows). Reuses common.Rect's plain-integer Intersect, since
// the math is identical regardless of what the axes' units mean.
type byteRect = common.Rect

// toByteRect converts a pixel-coordinate rectangle into byte coordinates,
// applying the DXT1 stride/block-row/Y-flip special case (spec §4.3, §9).
// No other component sees this transform, per the design note that the
// flip should stay encapsulated here.
func toByteRect(r common.Rect, globalHeight, bypp int, isDXT1 bool) byteRect {
	if isDXT1 {
		return byteRect{
			OffsetX: 2 * r.OffsetX,
			OffsetY: (globalHeight - r.OffsetY - r.Height) / 4,
			Width:   2 * r.Width,
			Height:  r.Height / 4,
		}
	}
	return byteRect{
		OffsetX: r.OffsetX * bypp,
		OffsetY: r.OffsetY,
		Width:   r.Width * bypp,
		Height:  r.Height,
	}
}

// stridedRows decomposes the intersection of a byte-rect region against a
// chunk (or selection) base rectangle into one rowTransfer per row, each
// offset relative to baseOffset using base's own fast-axis byte width as
// row pitch.
func stridedRows(inter, base byteRect, baseOffset int) []rowTransfer {
	rows := make([]rowTransfer, inter.Height)
	rowStartCol := inter.OffsetX - base.OffsetX
	for row := 0; row < inter.Height; row++ {
		globalRow := inter.OffsetY + row
		localRow := globalRow - base.OffsetY
		offset := baseOffset + localRow*base.Width + rowStartCol
		rows[row] = rowTransfer{offset: offset, length: inter.Width}
	}
	return rows
}

// FillSelection executes the plan for one frame: for each (chunk, peer)
// entry, it posts non-blocking sends of the sliced front-buffer region and
// non-blocking receives into out, then waits for all of them (spec §4.3).
// front is the caller's current front-buffer pixel list; out must be
// exactly OutputBytes() long.
func (d *Descriptor) FillSelection(ctx context.Context, front, out []byte) error {
	if len(out) != d.outBytes {
		return fmt.Errorf("redistribution: output buffer is %d bytes, want %d", len(out), d.outBytes)
	}
	var reqs []group.Request
	for _, peerEntries := range d.entries {
		for _, e := range peerEntries {
			for _, row := range e.sends {
				req, err := d.grp.ISend(ctx, e.peer, e.sendTag, front, row.offset, row.length)
				if err != nil {
					return fmt.Errorf("redistribution: isend region %d -> rank %d: %w", e.sendTag, e.peer, err)
				}
				reqs = append(reqs, req)
			}
			for _, row := range e.recvs {
				req, err := d.grp.IRecv(ctx, e.peer, e.recvTag, out, row.offset, row.length)
				if err != nil {
					return fmt.Errorf("redistribution: irecv region %d <- rank %d: %w", e.recvTag, e.peer, err)
				}
				reqs = append(reqs, req)
			}
		}
	}
	return group.WaitAll(ctx, reqs)
}
