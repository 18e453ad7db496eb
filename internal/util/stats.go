// Package util provides logging and traffic accounting shared by both modes.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide stream/traffic counter.
var Stats = &stats{}

type stats struct {
	OpenedStreams atomic.Int64 // cumulative logical streams opened
	ClosedStreams atomic.Int64 // cumulative logical streams closed
	BytesUp       atomic.Int64 // payload bytes written into the tunnel
	BytesDown     atomic.Int64 // payload bytes read out of the tunnel
}

func (s *stats) OpenStream()   { s.OpenedStreams.Add(1) }
func (s *stats) CloseStream()  { s.ClosedStreams.Add(1) }
func (s *stats) AddUp(n int)   { s.BytesUp.Add(int64(n)) }
func (s *stats) AddDown(n int) { s.BytesDown.Add(int64(n)) }

// Active returns the number of streams opened but not yet closed.
func (s *stats) Active() int64 {
	return s.OpenedStreams.Load() - s.ClosedStreams.Load()
}

const reportInterval = 10 * time.Second

// StartStatsReporter logs tunnel throughput every reportInterval while there
// is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevUp, prevDown, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				up := Stats.BytesUp.Load()
				down := Stats.BytesDown.Load()
				opened := Stats.OpenedStreams.Load()
				closed := Stats.ClosedStreams.Load()

				upS := float64(up-prevUp) / reportInterval.Seconds()
				downS := float64(down-prevDown) / reportInterval.Seconds()

				if opened != prevOpened || closed != prevClosed || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, opened-prevOpened, closed-prevClosed, opened-closed))
				}

				prevUp, prevDown = up, down
				prevOpened, prevClosed = opened, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders b in exactly 8 characters, e.g. "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(upS, downS float64, opened, closed, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Streams: %2d+ %2d- (%d open)",
		formatBytes(upS),
		formatBytes(downS),
		opened,
		closed,
		active,
	)
}
