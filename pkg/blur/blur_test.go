package blur

import (
	"image"
	"image/color"
	"testing"
)

func TestGenerateGaussianKernelNormalizes(t *testing.T) {
	k := GenerateGaussianKernel(5)
	sum := 0.0
	for _, row := range k {
		for _, v := range row {
			sum += v
		}
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("kernel weights sum to %f, want ~1.0", sum)
	}
}

func TestApplyBlurToImageSolidColorUnchanged(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	solid := color.RGBA{R: 100, G: 150, B: 200, A: 255}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, solid)
		}
	}

	blurred := ApplyBlurToImage(img, 3)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			got := blurred.RGBAAt(x, y)
			if got != solid {
				t.Fatalf("pixel (%d,%d) = %+v, want unchanged %+v", x, y, got, solid)
			}
		}
	}
}

func TestApplyBlurToImagePreservesBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(2, 2, 10, 6))
	blurred := ApplyBlurToImage(img, 3)
	if blurred.Bounds() != img.Bounds() {
		t.Fatalf("ApplyBlurToImage bounds = %v, want %v", blurred.Bounds(), img.Bounds())
	}
}
