package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer shared between the monitor goroutine and
// the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runMonitorFor(t *testing.T, sample func() MonitorSample) string {
	t.Helper()
	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMonitor(ctx, log, sample, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(110 * time.Millisecond)
	cancel()
	<-done
	return out.String()
}

func TestRunMonitorWarnsOnXruns(t *testing.T) {
	var (
		mu sync.Mutex
		s  MonitorSample
	)
	output := runMonitorFor(t, func() MonitorSample {
		mu.Lock()
		defer mu.Unlock()
		s.Blocks += 10
		s.Xruns++
		s.Source = "Machine"
		return s
	})

	if !strings.Contains(output, "audio underrun") {
		t.Errorf("expected underrun warning, got: %q", output)
	}
	if !strings.Contains(output, "xruns=1") {
		t.Errorf("expected per-interval xrun delta, got: %q", output)
	}
	if !strings.Contains(output, "source=Machine") {
		t.Errorf("expected source in output, got: %q", output)
	}
}

func TestRunMonitorDebugWhenHealthy(t *testing.T) {
	var blocks uint64
	output := runMonitorFor(t, func() MonitorSample {
		blocks += 43
		return MonitorSample{Blocks: blocks}
	})
	if strings.Contains(output, "audio underrun") {
		t.Errorf("unexpected warning: %q", output)
	}
	if !strings.Contains(output, "level=DEBUG msg=metrics") || !strings.Contains(output, "blocks=43") {
		t.Errorf("expected debug metrics line, got: %q", output)
	}
}

func TestRunMonitorSilentWhenIdle(t *testing.T) {
	output := runMonitorFor(t, func() MonitorSample { return MonitorSample{} })
	if output != "" {
		t.Errorf("expected no output, got: %q", output)
	}
}
