package redistribution

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"sync"
	"testing"

	"pxfabric/pkg/common"
	"pxfabric/pkg/dxt1"
)

func TestBuildRejectsSelectionOutsideImage(t *testing.T) {
	hub := newFakeHub(1)
	g := newFakeGroup(hub, 0, 1)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatRGBA, DataType: common.TypeU8}
	chunks := []Chunk{{Rect: common.Rect{Width: 8, Height: 8}, ByteOffset: 0}}
	sel := common.ConsumerSelection{Width: 4, Height: 4, OffsetX: 6, OffsetY: 6}

	if _, err := Build(context.Background(), g, img, chunks, sel, 1); err == nil {
		t.Fatal("expected error for selection extending past the global image bounds")
	}
}

func TestBuildRejectsUnalignedDXT1Selection(t *testing.T) {
	hub := newFakeHub(1)
	g := newFakeGroup(hub, 0, 1)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatDXT1, DataType: common.TypeU8}
	chunks := []Chunk{{Rect: common.Rect{Width: 8, Height: 8}, ByteOffset: 0}}
	sel := common.ConsumerSelection{Width: 3, Height: 4, OffsetX: 0, OffsetY: 0}

	if _, err := Build(context.Background(), g, img, chunks, sel, 1); err == nil {
		t.Fatal("expected error for a non-4-pixel-aligned DXT1 selection")
	}
}

// pixelAt returns the deterministic test pattern used across this file's
// multi-rank tests: each global pixel's bytes encode its own coordinates, so
// a mismatch in the redistribution math shows up as the wrong coordinate
// pair rather than a generic byte diff.
func pixelAt(gx, gy int) [4]byte {
	return [4]byte{byte(gx), byte(gy), byte(gx + gy), 255}
}

func fillTile(rect common.Rect, bypp int) []byte {
	rowBytes := rect.Width * bypp
	buf := make([]byte, rowBytes*rect.Height)
	for y := 0; y < rect.Height; y++ {
		for x := 0; x < rect.Width; x++ {
			px := pixelAt(rect.OffsetX+x, rect.OffsetY+y)
			off := y*rowBytes + x*bypp
			copy(buf[off:off+4], px[:])
		}
	}
	return buf
}

func expectedSelection(sel common.ConsumerSelection, bypp int) []byte {
	return fillTile(sel, bypp)
}

// TestFillSelectionSingleRankWholeImage exercises the degenerate case of one
// consumer rank owning the entire image and selecting all of it: every
// (chunk, peer) transfer is a self-send/self-recv through the same rank.
func TestFillSelectionSingleRankWholeImage(t *testing.T) {
	hub := newFakeHub(1)
	g := newFakeGroup(hub, 0, 1)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatRGBA, DataType: common.TypeU8}
	tile := common.Rect{Width: 8, Height: 8}
	chunks := []Chunk{{Rect: tile, ByteOffset: 0}}
	sel := common.ConsumerSelection{Width: 8, Height: 8}

	descriptor, err := Build(context.Background(), g, img, chunks, sel, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	front := fillTile(tile, 4)
	out := make([]byte, descriptor.OutputBytes())
	if err := descriptor.FillSelection(context.Background(), front, out); err != nil {
		t.Fatalf("FillSelection: %v", err)
	}

	want := expectedSelection(sel, 4)
	if string(out) != string(want) {
		t.Fatalf("FillSelection produced wrong bytes for whole-image self-transfer")
	}
}

// TestFillSelectionTwoRanksCrossTransfer is the representative multi-process
// scenario: two consumer ranks each own one vertical half of the global
// image locally, but both request the full image as their selection, so
// each rank must receive the half it doesn't own from its peer.
func TestFillSelectionTwoRanksCrossTransfer(t *testing.T) {
	hub := newFakeHub(2)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatRGBA, DataType: common.TypeU8}
	sel := common.ConsumerSelection{Width: 8, Height: 8}
	want := expectedSelection(sel, 4)

	myChunks := []common.Rect{
		{Width: 4, Height: 8, OffsetX: 0, OffsetY: 0}, // rank 0's half
		{Width: 4, Height: 8, OffsetX: 4, OffsetY: 0}, // rank 1's half
	}

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g := newFakeGroup(hub, rank, 2)
			chunks := []Chunk{{Rect: myChunks[rank], ByteOffset: 0}}
			descriptor, err := Build(context.Background(), g, img, chunks, sel, 1)
			if err != nil {
				errs[rank] = err
				return
			}
			front := fillTile(myChunks[rank], 4)
			out := make([]byte, descriptor.OutputBytes())
			if err := descriptor.FillSelection(context.Background(), front, out); err != nil {
				errs[rank] = err
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < 2; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		if string(results[rank]) != string(want) {
			t.Fatalf("rank %d assembled the wrong image from its peer's chunk", rank)
		}
	}
}

// TestFillSelectionPartialSelectionOnlyTouchesOwningRanks verifies that a
// selection confined to one rank's chunk is served by that rank alone: the
// other rank's chunk never intersects the selection, so rank 1 sends nothing
// and receives the whole left half from rank 0.
func TestFillSelectionPartialSelectionOnlyTouchesOwningRanks(t *testing.T) {
	hub := newFakeHub(2)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatRGBA, DataType: common.TypeU8}
	// Both ranks request only the left half, which rank 0 alone owns.
	sel := common.ConsumerSelection{Width: 4, Height: 8, OffsetX: 0, OffsetY: 0}
	want := expectedSelection(sel, 4)

	myChunks := []common.Rect{
		{Width: 4, Height: 8, OffsetX: 0, OffsetY: 0},
		{Width: 4, Height: 8, OffsetX: 4, OffsetY: 0},
	}

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g := newFakeGroup(hub, rank, 2)
			chunks := []Chunk{{Rect: myChunks[rank], ByteOffset: 0}}
			descriptor, err := Build(context.Background(), g, img, chunks, sel, 1)
			if err != nil {
				errs[rank] = err
				return
			}
			front := fillTile(myChunks[rank], 4)
			out := make([]byte, descriptor.OutputBytes())
			if err := descriptor.FillSelection(context.Background(), front, out); err != nil {
				errs[rank] = err
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < 2; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		if string(results[rank]) != string(want) {
			t.Fatalf("rank %d's selection-only-in-own-chunk result is wrong", rank)
		}
	}
}

func TestRegionTagStableAndDistinct(t *testing.T) {
	a := common.Rect{Width: 4, Height: 8, OffsetX: 0, OffsetY: 0}
	b := common.Rect{Width: 4, Height: 8, OffsetX: 4, OffsetY: 0}
	if regionTag(a) != regionTag(a) {
		t.Fatal("regionTag is not stable for the same rectangle")
	}
	if regionTag(a) == regionTag(b) {
		t.Fatal("regionTag collided for two distinct rectangles")
	}
}

func TestToByteRectDXT1FlipsY(t *testing.T) {
	// A 4x4 DXT1 block sitting at the bottom of an 8-row image should map to
	// block-row 0 in byte coordinates (the flip spec §4.3/§9 call for).
	r := common.Rect{Width: 4, Height: 4, OffsetX: 0, OffsetY: 4}
	got := toByteRect(r, 8, 0, true)
	want := byteRect{OffsetX: 0, OffsetY: 0, Width: 8, Height: 1}
	if got != want {
		t.Fatalf("toByteRect(DXT1) = %+v, want %+v", got, want)
	}
}

// solidImage builds a w x h image filled with one color, used to build exact
// DXT1 test fixtures: every value below is already RGB565-representable (R/B
// multiples of 8, G multiples of 4), so compressBlock/decompressBlock round
// trips it losslessly and a byte-for-byte comparison is meaningful.
func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func sideBySide(left, right *image.RGBA) *image.RGBA {
	b := left.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*2, b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetRGBA(x, y, left.RGBAAt(x, y))
			out.SetRGBA(x+b.Dx(), y, right.RGBAAt(x, y))
		}
	}
	return out
}

// TestFillSelectionDXT1TwoRanksCrossTransfer is the DXT1 analog of
// TestFillSelectionTwoRanksCrossTransfer (spec §8 scenario S3): two consumer
// ranks each own one vertical half of an 8x8 DXT1 image, both request the
// full image, and the assembled bytes must match a quadrant layout exactly.
// Per-chunk pixel-list storage follows the same bottom-to-top block-row
// order toByteRect's Y-flip implies (spec §4.3/§9), so each rank's front
// buffer is built block-row-by-block-row from the bottom up rather than by
// naively calling dxt1.Encode on the whole stripe top-down.
func TestFillSelectionDXT1TwoRanksCrossTransfer(t *testing.T) {
	q0 := color.RGBA{R: 0, G: 0, B: 0, A: 255}   // rank 0, top (pixel rows 0-3)
	q1 := color.RGBA{R: 248, G: 0, B: 0, A: 255} // rank 0, bottom (pixel rows 4-7)
	q2 := color.RGBA{R: 0, G: 252, B: 0, A: 255} // rank 1, top
	q3 := color.RGBA{R: 0, G: 0, B: 248, A: 255} // rank 1, bottom

	buildFront := func(top, bottom color.RGBA) []byte {
		bottomBytes, err := dxt1.Encode(solidImage(4, 4, bottom))
		if err != nil {
			t.Fatalf("Encode bottom: %v", err)
		}
		topBytes, err := dxt1.Encode(solidImage(4, 4, top))
		if err != nil {
			t.Fatalf("Encode top: %v", err)
		}
		return append(bottomBytes, topBytes...)
	}
	fronts := [2][]byte{
		buildFront(q0, q1),
		buildFront(q2, q3),
	}

	bottomRow, err := dxt1.Encode(sideBySide(solidImage(4, 4, q1), solidImage(4, 4, q3)))
	if err != nil {
		t.Fatalf("Encode expected bottom row: %v", err)
	}
	topRow, err := dxt1.Encode(sideBySide(solidImage(4, 4, q0), solidImage(4, 4, q2)))
	if err != nil {
		t.Fatalf("Encode expected top row: %v", err)
	}
	want := append(append([]byte{}, bottomRow...), topRow...)

	hub := newFakeHub(2)
	img := common.GlobalImage{Width: 8, Height: 8, Format: common.FormatDXT1, DataType: common.TypeU8}
	sel := common.ConsumerSelection{Width: 8, Height: 8}

	myChunks := []common.Rect{
		{Width: 4, Height: 8, OffsetX: 0, OffsetY: 0},
		{Width: 4, Height: 8, OffsetX: 4, OffsetY: 0},
	}

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g := newFakeGroup(hub, rank, 2)
			chunks := []Chunk{{Rect: myChunks[rank], ByteOffset: 0}}
			descriptor, err := Build(context.Background(), g, img, chunks, sel, 1)
			if err != nil {
				errs[rank] = err
				return
			}
			out := make([]byte, descriptor.OutputBytes())
			if err := descriptor.FillSelection(context.Background(), fronts[rank], out); err != nil {
				errs[rank] = err
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < 2; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		if !bytes.Equal(results[rank], want) {
			t.Fatalf("rank %d: DXT1 selection bytes = %v, want %v", rank, results[rank], want)
		}
	}
}

func TestStridedRowsOffsets(t *testing.T) {
	base := byteRect{OffsetX: 0, OffsetY: 0, Width: 16, Height: 4}
	inter := byteRect{OffsetX: 4, OffsetY: 1, Width: 8, Height: 2}
	rows := stridedRows(inter, base, 100)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].offset != 100+1*16+4 || rows[0].length != 8 {
		t.Errorf("row 0 = %+v, want offset %d length 8", rows[0], 100+1*16+4)
	}
	if rows[1].offset != 100+2*16+4 || rows[1].length != 8 {
		t.Errorf("row 1 = %+v, want offset %d length 8", rows[1], 100+2*16+4)
	}
}
