// Package blur provides an optional Gaussian smoothing post-filter for the
// consumer demo's saved selection PNGs (cmd/consumer). It is not part of
// the wire protocol or the redistribution math; a consumer rank may apply
// it to a frame after FillSelection has assembled it, purely for the saved
// image's visual quality.
package blur

import (
	"image"
	"image/color"
	"math"
)

// GenerateGaussianKernel builds a size x size normalized Gaussian kernel,
// sigma = size/3.
func GenerateGaussianKernel(size int) [][]float64 {
	kernel := make([][]float64, size)
	sigma := float64(size) / 3.0
	sum := 0.0
	center := size / 2

	for i := 0; i < size; i++ {
		kernel[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			x := float64(i - center)
			y := float64(j - center)
			kernel[i][j] = math.Exp(-(x*x+y*y)/(2*sigma*sigma)) / (2 * math.Pi * sigma * sigma)
			sum += kernel[i][j]
		}
	}

	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			kernel[i][j] /= sum
		}
	}

	return kernel
}

// ApplyBlurToImage convolves img with a kernelSize x kernelSize Gaussian
// kernel, clamping at the image boundary, and returns a new *image.RGBA.
func ApplyBlurToImage(img image.Image, kernelSize int) *image.RGBA {
	bounds := img.Bounds()
	blurred := image.NewRGBA(bounds)
	kernel := GenerateGaussianKernel(kernelSize)
	offset := kernelSize / 2

	var srcRGBA *image.RGBA
	if rgba, ok := img.(*image.RGBA); ok {
		srcRGBA = rgba
	} else {
		srcRGBA = image.NewRGBA(bounds)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				srcRGBA.Set(x, y, img.At(x, y))
			}
		}
	}

	width := bounds.Dx()
	height := bounds.Dy()

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var rSum, gSum, bSum, aSum float64

			for ky := 0; ky < kernelSize; ky++ {
				for kx := 0; kx < kernelSize; kx++ {
					sx := x + kx - offset
					sy := y + ky - offset

					if sx < 0 {
						sx = 0
					} else if sx >= width {
						sx = width - 1
					}
					if sy < 0 {
						sy = 0
					} else if sy >= height {
						sy = height - 1
					}

					pixel := srcRGBA.RGBAAt(sx+bounds.Min.X, sy+bounds.Min.Y)
					weight := kernel[ky][kx]

					rSum += float64(pixel.R) * weight
					gSum += float64(pixel.G) * weight
					bSum += float64(pixel.B) * weight
					aSum += float64(pixel.A) * weight
				}
			}

			blurred.Set(x+bounds.Min.X, y+bounds.Min.Y, color.RGBA{
				R: uint8(rSum),
				G: uint8(gSum),
				B: uint8(bSum),
				A: uint8(aSum),
			})
		}
	}

	return blurred
}
