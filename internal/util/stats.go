package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats is a set of traffic/session counters. One instance is created by the
// composition root and shared by everything that reports into it.
type Stats struct {
	Sessions    atomic.Int64 // cumulative count of established sessions
	Reconnects  atomic.Int64 // cumulative count of accepted reconnections
	Retransmits atomic.Int64 // cumulative count of re-written regular messages
	BytesSent   atomic.Int64 // cumulative bytes handed to sockets
	BytesRecv   atomic.Int64 // cumulative bytes read from sockets
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddSession()         { s.Sessions.Add(1) }
func (s *Stats) AddReconnect()       { s.Reconnects.Add(1) }
func (s *Stats) AddRetransmit(n int) { s.Retransmits.Add(int64(n)) }
func (s *Stats) AddSent(n int)       { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int)       { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const statsInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevRetx, prevReconn int64
		for {
			select {
			case <-ticker.C:
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()
				retx := s.Retransmits.Load()
				reconn := s.Reconnects.Load()

				outS := float64(sent-prevSent) / statsInterval.Seconds()
				inS := float64(recv-prevRecv) / statsInterval.Seconds()
				dRetx := retx - prevRetx
				dReconn := reconn - prevReconn

				if dRetx > 0 || dReconn > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, dRetx, dReconn))
				}

				prevSent = sent
				prevRecv = recv
				prevRetx = retx
				prevReconn = reconn

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
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, retx, reconn int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Retx: %3d | Reconn: %2d",
		formatBytes(inS),
		formatBytes(outS),
		retx,
		reconn,
	)
}
