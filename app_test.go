package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/config"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/shield"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/store"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SampleRate = 16000
	cfg.Channels = 1
	cfg.BlockSize = 256
	cfg.FilterLength = 16
	cfg.StepSize = 0.01
	cfg.RecordSeconds = 0.05
	cfg.RecordInterval = 0
	cfg.RecordSampleRate = 16000
	cfg.LevelMaxPoints = 10
	cfg.HistoryDB = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

func readRuns(t *testing.T, path string) ([]store.Run, []store.DetectionRow) {
	t.Helper()
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer st.Close()
	runs, err := st.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	dets, err := st.RecentDetections(context.Background(), 100)
	if err != nil {
		t.Fatalf("detections: %v", err)
	}
	return runs, dets
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels = 0
	_, err := NewApp(cfg, Options{Simulated: true, NoUI: true})
	var fe *config.FieldError
	if !errors.As(err, &fe) || fe.Field != "channels" {
		t.Fatalf("expected channels FieldError, got %v", err)
	}
}

func TestNewAppMissingModelIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	if _, err := NewApp(cfg, Options{Simulated: true, NoUI: true}); err == nil {
		t.Fatal("expected model load failure")
	}
}

func TestSimulatedRunRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, Options{Simulated: true, NoUI: true})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := app.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, dets := readRuns(t, cfg.HistoryDB)
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	r := runs[0]
	if r.Reason != reasonInterrupted || r.EndedAt.IsZero() || !r.Simulated {
		t.Fatalf("unexpected run: %+v", r)
	}
	if r.Blocks == 0 {
		t.Fatal("no audio blocks processed")
	}
	if len(dets) == 0 {
		t.Fatal("no detections recorded")
	}
	for _, d := range dets {
		if d.RunID != r.ID {
			t.Fatalf("detection for run %s, want %s", d.RunID, r.ID)
		}
		// The first scene of the simulation is equipment noise.
		if d.Label != detector.Machine {
			t.Fatalf("unexpected label %s", d.Label)
		}
	}
}

func TestDivergenceStopsTheApp(t *testing.T) {
	cfg := testConfig(t)
	cfg.StepSize = 50
	loud := &stream.Simulated{Generator: func(buf []float32, _ int, frame int64) {
		for i := range buf {
			buf[i] = 1e3
			if (frame+int64(i))%2 == 1 {
				buf[i] = -1e3
			}
		}
	}}
	app, err := NewApp(cfg, Options{Simulated: true, NoUI: true, Backend: loud})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = app.Run(ctx)
	var fault shield.Fault
	if !errors.As(err, &fault) || fault.Kind != shield.FaultDiverged {
		t.Fatalf("expected divergence fault, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("app ran until the deadline instead of stopping on the fault")
	}

	runs, _ := readRuns(t, cfg.HistoryDB)
	if len(runs) != 1 || runs[0].Reason != reasonFault || runs[0].Faults == 0 {
		t.Fatalf("unexpected run record: %+v", runs)
	}
}

func TestStatusBeforeRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen = "127.0.0.1:0"
	app, err := NewApp(cfg, Options{Simulated: true, NoUI: true})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.release()

	st := app.status()
	if st.RunID == "" || !st.Simulated || st.LevelDB != cfg.LevelMin {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Shield.Source.Label != "Unknown" {
		t.Fatalf("source before detection: %q", st.Shield.Source.Label)
	}
	hello := app.helloMessage()
	if hello.Label != "Unknown" || hello.DB == nil || *hello.DB != cfg.LevelMin {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}
