// Package common holds the data model shared by the producer and consumer
// engines: pixel formats, tile geometry and the selection a consumer
// declares it wants.
package common

import "fmt"

// PixelFormat enumerates the supported pixel layouts (spec §3).
type PixelFormat uint8

const (
	FormatRGBA PixelFormat = iota
	FormatRGB
	FormatGrayScale
	FormatYUV444
	FormatYUV422
	FormatYUV420
	FormatDXT1
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "RGBA"
	case FormatRGB:
		return "RGB"
	case FormatGrayScale:
		return "GrayScale"
	case FormatYUV444:
		return "YUV444"
	case FormatYUV422:
		return "YUV422"
	case FormatYUV420:
		return "YUV420"
	case FormatDXT1:
		return "DXT1"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(f))
	}
}

// DataType enumerates the supported per-channel element types (spec §3).
type DataType uint8

const (
	TypeU8 DataType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeF32
	TypeF64
)

// SizeBytes returns sizeof(data_type) in bytes.
func (d DataType) SizeBytes() int {
	switch d {
	case TypeU8, TypeI8:
		return 1
	case TypeU16, TypeI16:
		return 2
	case TypeU32, TypeI32, TypeF32:
		return 4
	case TypeU64, TypeI64, TypeF64:
		return 8
	default:
		return 0
	}
}

// Rect is a rectangular region expressed in pixel coordinates, non-negative,
// fitting inside the global image. Tile and ConsumerSelection share this
// shape (spec §3).
type Rect struct {
	Width    int
	Height   int
	OffsetX  int
	OffsetY  int
}

// Tile is a rectangular region of the global image owned by exactly one
// producer process.
type Tile = Rect

// ConsumerSelection is a rectangular subregion of the global image that a
// consumer process wants.
type ConsumerSelection = Rect

// GlobalImage describes the immutable, handshake-negotiated frame geometry
// and format shared by every producer and consumer process.
type GlobalImage struct {
	Width       int
	Height      int
	Format      PixelFormat
	DataType    DataType
}

// Aligned4 reports whether r's offsets and size are 4-pixel aligned, the
// requirement DXT1 imposes on every tile and selection.
func (r Rect) Aligned4() bool {
	return r.Width%4 == 0 && r.Height%4 == 0 && r.OffsetX%4 == 0 && r.OffsetY%4 == 0
}

// Inside reports whether r fits entirely within a w×h global image.
func (r Rect) Inside(w, h int) bool {
	return r.OffsetX >= 0 && r.OffsetY >= 0 &&
		r.OffsetX+r.Width <= w && r.OffsetY+r.Height <= h
}

// Intersect returns the overlapping rectangle of a and b, and whether one
// exists.
func (a Rect) Intersect(b Rect) (Rect, bool) {
	x0 := max(a.OffsetX, b.OffsetX)
	y0 := max(a.OffsetY, b.OffsetY)
	x1 := min(a.OffsetX+a.Width, b.OffsetX+b.Width)
	y1 := min(a.OffsetY+a.Height, b.OffsetY+b.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}, false
	}
	return Rect{OffsetX: x0, OffsetY: y0, Width: x1 - x0, Height: y1 - y0}, true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
