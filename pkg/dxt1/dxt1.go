// Package dxt1 implements a BC1/DXT1 block codec used to build and verify
// the fixtures the redistribution descriptor's byte-coordinate math
// operates on (spec §4.3, §4.5: the 4-pixel-aligned, Y-flipped, 2-bytes-
// per-block special case). It is adapted from pkg/blur's per-block,
// kernel-style pixel loop — here the "kernel" is the fixed 4x4 BC1 block
// instead of a Gaussian window.
package dxt1

import (
	"fmt"
	"image"
	"image/color"
)

// BlockSize is the DXT1 compression unit: 4x4 pixels encoded into 8 bytes.
const BlockSize = 4

// BytesPerBlock is the compressed size of one 4x4 block (two RGB565
// reference colors plus a 2-bit-per-pixel index table).
const BytesPerBlock = 8

// Encode compresses img into DXT1 blocks, row-major, starting at the
// image's bounds origin. Both dimensions must be multiples of BlockSize
// (spec §4.5's DXT1 alignment requirement).
func Encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width%BlockSize != 0 || height%BlockSize != 0 {
		return nil, fmt.Errorf("dxt1: %dx%d is not a multiple of %d", width, height, BlockSize)
	}

	out := make([]byte, (width/BlockSize)*(height/BlockSize)*BytesPerBlock)
	off := 0
	for by := 0; by < height; by += BlockSize {
		for bx := 0; bx < width; bx += BlockSize {
			var pixels [16]color.RGBA
			for y := 0; y < BlockSize; y++ {
				for x := 0; x < BlockSize; x++ {
					r, g, bl, _ := img.At(b.Min.X+bx+x, b.Min.Y+by+y).RGBA()
					pixels[y*BlockSize+x] = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8)}
				}
			}
			copy(out[off:off+BytesPerBlock], compressBlock(pixels))
			off += BytesPerBlock
		}
	}
	return out, nil
}

// Decode expands width x height worth of DXT1-compressed data back into an
// RGBA image.
func Decode(data []byte, width, height int) (*image.RGBA, error) {
	if width%BlockSize != 0 || height%BlockSize != 0 {
		return nil, fmt.Errorf("dxt1: %dx%d is not a multiple of %d", width, height, BlockSize)
	}
	wantLen := (width / BlockSize) * (height / BlockSize) * BytesPerBlock
	if len(data) != wantLen {
		return nil, fmt.Errorf("dxt1: data is %d bytes, want %d for %dx%d", len(data), wantLen, width, height)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	off := 0
	for by := 0; by < height; by += BlockSize {
		for bx := 0; bx < width; bx += BlockSize {
			pixels := decompressBlock([8]byte(data[off : off+BytesPerBlock]))
			for y := 0; y < BlockSize; y++ {
				for x := 0; x < BlockSize; x++ {
					out.SetRGBA(bx+x, by+y, pixels[y*BlockSize+x])
				}
			}
			off += BytesPerBlock
		}
	}
	return out, nil
}

// compressBlock implements a BC1 min/max-color-line encoding: the two
// reference colors are the block's darkest and brightest pixels by
// luminance, the other two palette entries are their 1/3 and 2/3 interpolations,
// and every pixel is assigned its nearest palette index.
func compressBlock(pixels [16]color.RGBA) []byte {
	c0, c1 := minMaxColors(pixels)
	w0, w1 := rgbTo565(c0), rgbTo565(c1)
	if w0 < w1 {
		w0, w1 = w1, w0
		c0, c1 = c1, c0
	}

	palette := [4]color.RGBA{
		c0,
		c1,
		lerpColor(c0, c1, 1, 3),
		lerpColor(c0, c1, 2, 3),
	}

	var indices uint32
	for i, p := range pixels {
		best, bestDist := 0, colorDistSq(p, palette[0])
		for k := 1; k < 4; k++ {
			if d := colorDistSq(p, palette[k]); d < bestDist {
				best, bestDist = k, d
			}
		}
		indices |= uint32(best) << (2 * i)
	}

	out := make([]byte, BytesPerBlock)
	out[0], out[1] = byte(w0), byte(w0>>8)
	out[2], out[3] = byte(w1), byte(w1>>8)
	out[4], out[5], out[6], out[7] = byte(indices), byte(indices>>8), byte(indices>>16), byte(indices>>24)
	return out
}

func decompressBlock(block [8]byte) [16]color.RGBA {
	w0 := uint16(block[0]) | uint16(block[1])<<8
	w1 := uint16(block[2]) | uint16(block[3])<<8
	indices := uint32(block[4]) | uint32(block[5])<<8 | uint32(block[6])<<16 | uint32(block[7])<<24

	c0, c1 := rgb565To888(w0), rgb565To888(w1)
	var palette [4]color.RGBA
	palette[0], palette[1] = c0, c1
	if w0 > w1 {
		palette[2] = lerpColor(c0, c1, 1, 3)
		palette[3] = lerpColor(c0, c1, 2, 3)
	} else {
		// The degenerate "1-bit alpha" mode: index 3 is transparent black in
		// real BC1, but this codec carries no alpha channel, so it falls
		// back to the midpoint like palette[2] would.
		palette[2] = lerpColor(c0, c1, 1, 2)
		palette[3] = palette[2]
	}

	var pixels [16]color.RGBA
	for i := range pixels {
		idx := (indices >> (2 * i)) & 0x3
		pixels[i] = palette[idx]
	}
	return pixels
}

func minMaxColors(pixels [16]color.RGBA) (lo, hi color.RGBA) {
	lo = color.RGBA{R: 255, G: 255, B: 255}
	for _, p := range pixels {
		if luminance(p) < luminance(lo) {
			lo = p
		}
		if luminance(p) > luminance(hi) {
			hi = p
		}
	}
	return lo, hi
}

func luminance(c color.RGBA) int {
	return int(c.R)*299 + int(c.G)*587 + int(c.B)*114
}

func lerpColor(a, b color.RGBA, num, den int) color.RGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8((int(x)*(den-num) + int(y)*num) / den)
	}
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

func colorDistSq(a, b color.RGBA) int {
	dr := int(a.R) - int(b.R)
	dg := int(a.G) - int(b.G)
	db := int(a.B) - int(b.B)
	return dr*dr + dg*dg + db*db
}

func rgbTo565(c color.RGBA) uint16 {
	r := uint16(c.R) >> 3
	g := uint16(c.G) >> 2
	b := uint16(c.B) >> 3
	return r<<11 | g<<5 | b
}

func rgb565To888(w uint16) color.RGBA {
	r := uint8((w >> 11) & 0x1F)
	g := uint8((w >> 5) & 0x3F)
	b := uint8(w & 0x1F)
	return color.RGBA{
		R: r << 3,
		G: g << 2,
		B: b << 3,
		A: 255,
	}
}
