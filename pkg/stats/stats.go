// Package stats reports per-run frame throughput, adapted from the
// teacher's PerformanceData/WritePerformanceResults report writer: same
// "logs/<prefix><timestamp>.txt" file shape, repointed at frame counts and
// bytes moved instead of blur-kernel timings.
package stats

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Role distinguishes a producer-side report from a consumer-side one.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "Producer"
	}
	return "Consumer"
}

// FrameReport holds one process's throughput summary for a run.
type FrameReport struct {
	Role        Role
	Rank        int
	FramesMoved int
	BytesMoved  int64
	TotalTime   time.Duration
	Timestamp   time.Time

	// Connections is non-nil only for a producer report: the number of
	// consumer connections the producer waited for before streaming (its
	// initial wait count).
	Connections *int
}

// FramesPerSecond returns FramesMoved / TotalTime, or 0 if no time elapsed.
func (r FrameReport) FramesPerSecond() float64 {
	if r.TotalTime <= 0 {
		return 0
	}
	return float64(r.FramesMoved) / r.TotalTime.Seconds()
}

// MegabytesPerSecond returns BytesMoved / TotalTime in MiB/s.
func (r FrameReport) MegabytesPerSecond() float64 {
	if r.TotalTime <= 0 {
		return 0
	}
	return float64(r.BytesMoved) / (1024 * 1024) / r.TotalTime.Seconds()
}

// WriteFrameReports writes one combined results file for a batch of
// per-process reports.
func WriteFrameReports(reports []FrameReport) {
	WriteFrameReportsWithPrefix(reports, "px_")
}

// WriteFrameReportsWithPrefix is WriteFrameReports with a caller-chosen
// filename prefix, kept distinct so cmd/producer and cmd/consumer can label
// their own reports without clobbering each other's files.
func WriteFrameReportsWithPrefix(reports []FrameReport, prefix string) {
	if len(reports) == 0 {
		return
	}

	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Printf("stats: failed to create logs directory: %v", err)
		return
	}

	timestamp := reports[0].Timestamp.Format("2006-01-02_15-04-05")
	resultsFile := fmt.Sprintf("logs/%s%s.txt", prefix, timestamp)

	file, err := os.Create(resultsFile)
	if err != nil {
		log.Printf("stats: failed to create results file: %v", err)
		return
	}
	defer file.Close()

	fmt.Fprintf(file, "=== Pixel Fabric Run Report ===\n")
	fmt.Fprintf(file, "Timestamp: %s\n\n", reports[0].Timestamp.Format("2006-01-02 15:04:05"))

	for _, r := range reports {
		fmt.Fprintf(file, "--- %s rank %d ---\n", r.Role, r.Rank)
		fmt.Fprintf(file, "Frames moved: %d\n", r.FramesMoved)
		fmt.Fprintf(file, "Bytes moved: %d\n", r.BytesMoved)
		fmt.Fprintf(file, "Total time: %.3fs\n", r.TotalTime.Seconds())
		fmt.Fprintf(file, "Frames/sec: %.2f\n", r.FramesPerSecond())
		fmt.Fprintf(file, "MiB/sec: %.2f\n", r.MegabytesPerSecond())
		if r.Connections != nil {
			fmt.Fprintf(file, "Connections: %d\n", *r.Connections)
		}
		fmt.Fprintf(file, "\n")
	}
}
