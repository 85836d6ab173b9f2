package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide media counter.
var Stats = &stats{}

type stats struct {
	PacketsSent  atomic.Int64 // audio frames written to the local track
	PacketsRecv  atomic.Int64 // RTP packets read from the remote track
	BytesSent    atomic.Int64 // encoded audio bytes written to the local track
	BytesRecv    atomic.Int64 // RTP payload bytes read from the remote track
	DecodeErrors atomic.Int64 // remote packets the playback sink could not decode
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDecodeError() { s.DecodeErrors.Add(1) }

// Reset zeroes all counters. Used between calls and in tests.
func (s *stats) Reset() {
	s.PacketsSent.Store(0)
	s.PacketsRecv.Store(0)
	s.BytesSent.Store(0)
	s.BytesRecv.Store(0)
	s.DecodeErrors.Store(0)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevErr int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				decErr := Stats.DecodeErrors.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if outS > 0 || inS > 0 || decErr > prevErr {
					pterm.DefaultLogger.Info(formatStats(inS, outS, decErr-prevErr))
				}

				prevSent = sent
				prevRecv = recv
				prevErr = decErr

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, decodeErrors int64) string {
	return fmt.Sprintf("Audio in: %s/s | out: %s/s | decode errors: %d",
		formatBytes(inS),
		formatBytes(outS),
		decodeErrors,
	)
}
