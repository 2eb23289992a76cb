// Command producer runs one producer-group rank: it binds a listener,
// bootstraps the fleet directory (rank 0 only), accepts consumer
// connections, and streams either a loaded PNG tile or a synthetic demo
// gradient for a configured number of frames (spec §14's "vis" demo,
// adapted from the teacher's findImages/loadImage/cmd/service/main.go
// flag-and-signal shape).
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pxfabric/pkg/common"
	"pxfabric/pkg/dxt1"
	"pxfabric/pkg/group"
	"pxfabric/pkg/producer"
	"pxfabric/pkg/stats"
)

func main() {
	var (
		iface        = flag.String("iface", "lo", "Network interface whose IPv4 address is bound and reported to consumers (empty: first non-loopback interface)")
		portMin      = flag.Int("port-min", 9000, "Minimum port in the bind-retry range")
		portMax      = flag.Int("port-max", 9100, "Maximum port in the bind-retry range")
		redisAddr    = flag.String("redis", "localhost:6379", "Redis address backing the group primitive")
		groupID      = flag.String("group-id", "pxfabric-producers", "Group rendezvous namespace; must match across all producer ranks")
		rank         = flag.Int("rank", 0, "This process's rank within the producer group")
		size         = flag.Int("size", 1, "Total number of producer ranks")
		globalWidth  = flag.Int("width", 512, "Global image width in pixels")
		globalHeight = flag.Int("height", 512, "Global image height in pixels")
		localWidth   = flag.Int("local-width", 512, "This rank's tile width")
		localHeight  = flag.Int("local-height", 512, "This rank's tile height")
		offsetX      = flag.Int("offset-x", 0, "This rank's tile X offset in the global image")
		offsetY      = flag.Int("offset-y", 0, "This rank's tile Y offset in the global image")
		pixelFormat  = flag.String("format", "rgba", "Pixel format: rgba, rgb, gray, dxt1")
		numConsumers = flag.Int("initial-wait", 1, "Number of consumer connections to wait for before streaming")
		dropFrames   = flag.Bool("drop-frames", false, "Use DropFrames flow control instead of WaitForAll")
		frames       = flag.Int("frames", 60, "Number of frames to stream before finalizing")
		input        = flag.String("input", "", "PNG file to stream as the local tile; empty selects a synthetic demo gradient")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("producer: failed to build logger: %v", err)
	}
	defer logger.Sync()

	format, err := parsePixelFormat(*pixelFormat)
	if err != nil {
		log.Fatalf("producer: %v", err)
	}
	dtype := common.TypeU8

	log.Printf("Starting pxfabric producer rank %d/%d", *rank, *size)

	grp, err := group.NewRedisGroup(*redisAddr, *groupID, *rank, *size)
	if err != nil {
		log.Fatalf("producer: failed to connect group primitive: %v", err)
	}

	p, err := producer.New(*iface, *portMin, *portMax, grp, logger)
	if err != nil {
		log.Fatalf("producer: failed to bind: %v", err)
	}
	defer p.Close()

	p.SetImageFormat(format, dtype)
	p.SetGlobalImageSize(*globalWidth, *globalHeight)
	p.SetLocalImageSize(*localWidth, *localHeight)
	p.SetLocalImageOffset(*offsetX, *offsetY)

	tile, err := loadOrGenerateTile(*input, *localWidth, *localHeight, format)
	if err != nil {
		log.Fatalf("producer: failed to prepare tile: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	behavior := producer.WaitForAll
	if *dropFrames {
		behavior = producer.DropFrames
	}

	log.Printf("producer: waiting for %d consumer connection(s)", *numConsumers)
	if err := p.Listen(ctx, behavior, *numConsumers); err != nil {
		log.Fatalf("producer: listen failed: %v", err)
	}
	log.Printf("producer: streaming %d frames", *frames)

	start := time.Now()
	var bytesMoved int64
	framesSent := 0
frameLoop:
	for i := 0; i < *frames; i++ {
		select {
		case <-sigCh:
			log.Println("producer: received shutdown signal, finalizing early")
			break frameLoop
		default:
		}
		p.SetFrameImage(tile)
		p.Write()
		p.AdvanceToNextFrame()
		bytesMoved += int64(len(tile))
		framesSent++
	}

	if err := p.Finalize(ctx); err != nil {
		log.Fatalf("producer: finalize failed: %v", err)
	}

	stats.WriteFrameReportsWithPrefix([]stats.FrameReport{{
		Role:        stats.RoleProducer,
		Rank:        *rank,
		FramesMoved: framesSent,
		BytesMoved:  bytesMoved,
		TotalTime:   time.Since(start),
		Timestamp:   start,
		Connections: numConsumers,
	}}, "producer_")
	log.Println("producer: shutdown complete")
}

func parsePixelFormat(s string) (common.PixelFormat, error) {
	switch s {
	case "rgba":
		return common.FormatRGBA, nil
	case "rgb":
		return common.FormatRGB, nil
	case "gray":
		return common.FormatGrayScale, nil
	case "dxt1":
		return common.FormatDXT1, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", s)
	}
}

// loadOrGenerateTile reads path as a PNG and encodes it into the wire's
// tightly packed pixel layout, or synthesizes a gradient demo tile when
// path is empty (spec §14's "vis" demo driver).
func loadOrGenerateTile(path string, width, height int, f common.PixelFormat) ([]byte, error) {
	if path == "" {
		return generateDemoTile(width, height, f)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return encodeTile(img, width, height, f)
}

func generateDemoTile(width, height int, f common.PixelFormat) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(255 * x / max(width-1, 1)),
				G: uint8(255 * y / max(height-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return encodeTile(img, width, height, f)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func encodeTile(img image.Image, width, height int, f common.PixelFormat) ([]byte, error) {
	b := img.Bounds()
	if f == common.FormatDXT1 {
		return dxt1.Encode(img)
	}
	out := make([]byte, 0, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			switch f {
			case common.FormatRGBA:
				out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8))
			case common.FormatRGB:
				out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8))
			case common.FormatGrayScale:
				lum := (299*uint32(byte(r>>8)) + 587*uint32(byte(g>>8)) + 114*uint32(byte(bl>>8))) / 1000
				out = append(out, byte(lum))
			default:
				return nil, fmt.Errorf("encodeTile: unsupported format %v", f)
			}
		}
	}
	return out, nil
}
