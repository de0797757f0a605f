package util

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide channel traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // frames written to a data channel since process start
	FramesRecv atomic.Int64 // frames read from a data channel since process start
	BytesSent  atomic.Int64 // cumulative payload bytes written
	BytesRecv  atomic.Int64 // cumulative payload bytes read
}

func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// Summary returns a one-line description of the counters.
func (s *stats) Summary() string {
	return fmt.Sprintf("Out: %s in %d frames | In: %s in %d frames",
		FormatBytes(float64(s.BytesSent.Load())), s.FramesSent.Load(),
		FormatBytes(float64(s.BytesRecv.Load())), s.FramesRecv.Load(),
	)
}

// ──────────────────────────────────────────────────────────────────────────────
// Formatting
// ──────────────────────────────────────────────────────────────────────────────

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatRate formats the average throughput of n bytes moved in d.
func FormatRate(n int64, d time.Duration) string {
	if d <= 0 {
		return FormatBytes(0) + "/s"
	}
	return FormatBytes(float64(n)/d.Seconds()) + "/s"
}
