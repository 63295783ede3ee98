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

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative count of relayed sessions since process start
	ClosedSessions atomic.Int64 // cumulative count of torn-down sessions since process start
	BytesUp        atomic.Int64 // cumulative bytes written to outbound TCP (client → remote)
	BytesDown      atomic.Int64 // cumulative bytes sent to clients (remote → client)
}

func (s *stats) AddSession() {
	s.TotalSessions.Add(1)
	SessionsActive.Inc()
}

func (s *stats) RemoveSession(lifetime time.Duration) {
	s.ClosedSessions.Add(1)
	SessionsActive.Dec()
	SessionDuration.Observe(lifetime.Seconds())
}

func (s *stats) AddUp(n int) {
	s.BytesUp.Add(int64(n))
	RelayBytes.WithLabelValues("up").Add(float64(n))
}

func (s *stats) AddDown(n int) {
	s.BytesDown.Add(int64(n))
	RelayBytes.WithLabelValues("down").Add(float64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevUp, prevDown, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalSessions.Load()
				closed := Stats.ClosedSessions.Load()
				up := Stats.BytesUp.Load()
				down := Stats.BytesDown.Load()

				upS := float64(up-prevUp) / 10.0
				downS := float64(down-prevDown) / 10.0
				opened := total - prevTotal
				ended := closed - prevClosed

				if opened > 0 || ended > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, opened, ended, total-closed))
				}

				prevUp = up
				prevDown = down
				prevTotal = total
				prevClosed = closed

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
func formatStats(upS, downS float64, opened, ended, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		formatBytes(upS),
		formatBytes(downS),
		opened,
		ended,
		active,
	)
}
