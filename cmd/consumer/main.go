// Command consumer runs one consumer-group rank: it bootstraps against the
// producer lead, builds a redistribution descriptor for a requested
// selection, and writes each assembled frame out as a PNG (spec §14's
// "vis" demo, adapted from the teacher's assembler.go/saveImage shape).
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"pxfabric/pkg/blur"
	"pxfabric/pkg/common"
	"pxfabric/pkg/consumer"
	"pxfabric/pkg/group"
	"pxfabric/pkg/redistribution"
	"pxfabric/pkg/stats"
)

func main() {
	var (
		leadHost  = flag.String("lead-host", "127.0.0.1", "Lead producer host")
		leadPort  = flag.Int("lead-port", 9000, "Lead producer port")
		redisAddr = flag.String("redis", "localhost:6379", "Redis address backing the group primitive")
		groupID   = flag.String("group-id", "pxfabric-consumers", "Group rendezvous namespace; must match across all consumer ranks")
		rank      = flag.Int("rank", 0, "This process's rank within the consumer group")
		size      = flag.Int("size", 1, "Total number of consumer ranks")
		selWidth  = flag.Int("sel-width", 256, "Selection width in pixels")
		selHeight = flag.Int("sel-height", 256, "Selection height in pixels")
		selX      = flag.Int("sel-offset-x", 0, "Selection X offset in the global image")
		selY      = flag.Int("sel-offset-y", 0, "Selection Y offset in the global image")
		outputDir = flag.String("output", "./frames", "Directory to write assembled selection PNGs into")
		maxFrames = flag.Int("frames", 60, "Maximum number of frames to assemble before exiting")
		saveEvery = flag.Int("save-every", 10, "Write one PNG every N frames (0 disables PNG output)")
		smoothK   = flag.Int("smooth-kernel", 0, "Odd kernel size for a Gaussian smoothing pass on saved PNGs (0 disables)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("consumer: failed to build logger: %v", err)
	}
	defer logger.Sync()

	log.Printf("Starting pxfabric consumer rank %d/%d", *rank, *size)

	grp, err := group.NewRedisGroup(*redisAddr, *groupID, *rank, *size)
	if err != nil {
		log.Fatalf("consumer: failed to connect group primitive: %v", err)
	}

	ctx := context.Background()
	c, err := consumer.New(ctx, *leadHost, *leadPort, grp, logger)
	if err != nil {
		log.Fatalf("consumer: bootstrap failed: %v", err)
	}
	defer c.Close()

	selection := common.ConsumerSelection{Width: *selWidth, Height: *selHeight, OffsetX: *selX, OffsetY: *selY}
	descriptor, err := redistribution.Build(ctx, grp, c.GlobalImage(), c.OwnChunks(), selection, c.NumProducers())
	if err != nil {
		log.Fatalf("consumer: failed to build redistribution descriptor: %v", err)
	}

	if *saveEvery > 0 {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("consumer: failed to create output directory: %v", err)
		}
	}

	c.Start()

	start := time.Now()
	var bytesMoved int64
	framesRead := 0
	out := make([]byte, descriptor.OutputBytes())

	for framesRead < *maxFrames && !c.ServerFinished() {
		c.Read()
		if c.ServerFinished() {
			break
		}
		if err := descriptor.FillSelection(ctx, c.FrontBuffer(), out); err != nil {
			log.Fatalf("consumer: fill selection failed: %v", err)
		}
		bytesMoved += int64(len(out))
		framesRead++

		if *saveEvery > 0 && framesRead%*saveEvery == 0 {
			path := fmt.Sprintf("%s/frame_%05d.png", *outputDir, framesRead)
			if err := saveSelectionPNG(path, out, *selWidth, *selHeight, c.GlobalImage().Format, c.GlobalImage().DataType, *smoothK); err != nil {
				log.Printf("consumer: failed to save %s: %v", path, err)
			}
		}
	}

	stats.WriteFrameReportsWithPrefix([]stats.FrameReport{{
		Role:        stats.RoleConsumer,
		Rank:        *rank,
		FramesMoved: framesRead,
		BytesMoved:  bytesMoved,
		TotalTime:   time.Since(start),
		Timestamp:   start,
	}}, "consumer_")
	log.Printf("consumer: shutdown complete, assembled %d frames", framesRead)
}

// saveSelectionPNG writes a tightly packed RGBA/RGB/GrayScale selection
// buffer out as a PNG; DXT1 selections are not decoded here (pkg/dxt1 is a
// test-verification helper, not part of the demo's save path). When
// smoothKernel is a positive odd size, the assembled frame is passed through
// a Gaussian smoothing pass (pkg/blur) before encoding. Only u8 channels are
// supported — the per-pixel stride math below assumes one byte per channel.
func saveSelectionPNG(path string, data []byte, width, height int, f common.PixelFormat, dt common.DataType, smoothKernel int) error {
	if f == common.FormatDXT1 {
		return fmt.Errorf("saveSelectionPNG: DXT1 selections are not supported by the demo save path")
	}
	if dt != common.TypeU8 && dt != common.TypeI8 {
		return fmt.Errorf("saveSelectionPNG: unsupported data type %v, only 8-bit channels are handled", dt)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	stride := 0
	switch f {
	case common.FormatRGBA:
		stride = 4
	case common.FormatRGB:
		stride = 3
	case common.FormatGrayScale:
		stride = 1
	default:
		return fmt.Errorf("saveSelectionPNG: unsupported format %v", f)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := (y*width + x) * stride
			var c color.RGBA
			switch f {
			case common.FormatRGBA:
				c = color.RGBA{R: data[off], G: data[off+1], B: data[off+2], A: data[off+3]}
			case common.FormatRGB:
				c = color.RGBA{R: data[off], G: data[off+1], B: data[off+2], A: 255}
			case common.FormatGrayScale:
				c = color.RGBA{R: data[off], G: data[off], B: data[off], A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	out := image.Image(img)
	if smoothKernel > 0 {
		out = blur.ApplyBlurToImage(img, smoothKernel)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return png.Encode(file, out)
}
