package main

import (
	"context"
	"log/slog"
	"time"
)

// MonitorSample is one reading of the pipeline counters.
type MonitorSample struct {
	Blocks      uint64
	Muted       uint64
	Xruns       uint64
	Late        uint64
	MaxCallback time.Duration
	Dropped     uint64
	Source      string
}

// RunMonitor logs pipeline stats every interval until ctx is canceled.
// Intervals with new xruns or late callbacks are logged at warn level;
// otherwise a debug line is written while audio is flowing.
func RunMonitor(ctx context.Context, log *slog.Logger, sample func() MonitorSample, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev MonitorSample
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := sample()
			blocks := cur.Blocks - prev.Blocks
			xruns := cur.Xruns - prev.Xruns
			late := cur.Late - prev.Late
			attrs := []any{
				"blocks", blocks,
				"muted", cur.Muted - prev.Muted,
				"xruns", xruns,
				"late", late,
				"max_callback", cur.MaxCallback,
				"level_dropped", cur.Dropped - prev.Dropped,
				"source", cur.Source,
			}
			switch {
			case xruns > 0 || late > 0:
				log.Warn("audio underrun", attrs...)
			case blocks > 0:
				log.Debug("metrics", attrs...)
			}
			prev = cur
		}
	}
}
