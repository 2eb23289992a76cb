// Package format implements the pixel format table from spec §4.5: bits per
// pixel for a (PixelFormat, DataType) pair, and the tile byte-size math
// derived from it.
package format

import (
	"fmt"

	"pxfabric/pkg/common"
)

// ErrUnsupportedFormat is returned for format/dtype combinations the core
// does not implement (YUV444/422/420 are reserved, and DXT1 requires u8).
var ErrUnsupportedFormat = fmt.Errorf("format: unsupported pixel format/data type combination")

// BitsPerPixel returns bits-per-pixel for the given format and data type,
// per the table in spec §4.5.
func BitsPerPixel(f common.PixelFormat, d common.DataType) (int, error) {
	switch f {
	case common.FormatGrayScale:
		return 1 * d.SizeBytes() * 8, nil
	case common.FormatRGB:
		return 3 * d.SizeBytes() * 8, nil
	case common.FormatRGBA:
		return 4 * d.SizeBytes() * 8, nil
	case common.FormatDXT1:
		if d != common.TypeU8 {
			return 0, fmt.Errorf("%w: DXT1 requires u8", ErrUnsupportedFormat)
		}
		return 4, nil
	case common.FormatYUV444, common.FormatYUV422, common.FormatYUV420:
		return 0, fmt.Errorf("%w: %s is reserved, not implemented by the core", ErrUnsupportedFormat, f)
	default:
		return 0, fmt.Errorf("%w: unknown format %v", ErrUnsupportedFormat, f)
	}
}

// TileByteSize returns ceil(width*height*bits_per_pixel/8) for a rectangle
// of the given pixel dimensions.
func TileByteSize(width, height int, f common.PixelFormat, d common.DataType) (int, error) {
	bpp, err := BitsPerPixel(f, d)
	if err != nil {
		return 0, err
	}
	totalBits := width * height * bpp
	return (totalBits + 7) / 8, nil
}

// BytesPerPixel returns bits-per-pixel/8 rounded up to the smallest integer
// number of bytes that represents one pixel; for DXT1 this is meaningless
// per-pixel (it is a block format) and callers must use the block-aware
// path in pkg/redistribution instead.
func BytesPerPixel(f common.PixelFormat, d common.DataType) (int, error) {
	bpp, err := BitsPerPixel(f, d)
	if err != nil {
		return 0, err
	}
	return (bpp + 7) / 8, nil
}
