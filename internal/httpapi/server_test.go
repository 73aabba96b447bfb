package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/shield"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/store"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/ws"
)

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthAndStatus(t *testing.T) {
	var halted atomic.Bool
	status := func() Status {
		return Status{
			RunID:   "run-1",
			LevelDB: -37.5,
			Shield:  shield.Stats{Blocks: 10, Muted: 4, Halted: halted.Load()},
		}
	}
	api := New(status, nil, nil, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	var health healthResponse
	getJSON(t, ts.URL+"/health", http.StatusOK, &health)
	if health.Status != "ok" {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	var st Status
	getJSON(t, ts.URL+"/api/status", http.StatusOK, &st)
	if st.RunID != "run-1" || st.Shield.Blocks != 10 || st.Shield.Muted != 4 || st.LevelDB != -37.5 {
		t.Fatalf("unexpected status payload: %#v", st)
	}

	halted.Store(true)
	getJSON(t, ts.URL+"/health", http.StatusServiceUnavailable, &health)
	if !health.Halted {
		t.Fatalf("expected halted health, got %#v", health)
	}

	// History routes are absent without a store.
	getJSON(t, ts.URL+"/api/detections", http.StatusNotFound, nil)
}

func TestDetectionsAndRuns(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	runID, err := st.StartRun(ctx, store.RunSettings{SampleRate: 44100, Channels: 1, BlockSize: 1024, FilterLength: 32, StepSize: 0.01, TriggerLabel: "Talk"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	base := time.UnixMilli(1_700_000_000_000)
	for i, label := range []string{detector.Machine, detector.Talk, detector.Walk} {
		if _, err := st.InsertDetection(ctx, runID, detector.Detection{
			Label:      label,
			Confidence: 0.9,
			Index:      i,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert detection: %v", err)
		}
	}

	api := New(func() Status { return Status{} }, st, nil, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	var rows []store.DetectionRow
	getJSON(t, ts.URL+"/api/detections?limit=2", http.StatusOK, &rows)
	if len(rows) != 2 || rows[0].Label != detector.Walk || rows[1].Label != detector.Talk {
		t.Fatalf("unexpected detections: %#v", rows)
	}

	var errBody errorResponse
	getJSON(t, ts.URL+"/api/detections?limit=abc", http.StatusBadRequest, &errBody)
	if errBody.Error == "" {
		t.Fatal("expected error message")
	}
	getJSON(t, ts.URL+"/api/detections?limit=-1", http.StatusBadRequest, nil)

	var runs []store.Run
	getJSON(t, ts.URL+"/api/runs", http.StatusOK, &runs)
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("unexpected runs: %#v", runs)
	}
}

type failingHistory struct{}

func (failingHistory) RecentDetections(context.Context, int) ([]store.DetectionRow, error) {
	return nil, errors.New("disk gone")
}

func (failingHistory) Runs(context.Context, int) ([]store.Run, error) {
	return nil, nil
}

func TestHistoryErrors(t *testing.T) {
	api := New(func() Status { return Status{} }, failingHistory{}, nil, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	var errBody errorResponse
	getJSON(t, ts.URL+"/api/detections", http.StatusInternalServerError, &errBody)
	if !strings.Contains(errBody.Error, "disk gone") {
		t.Fatalf("unexpected error body: %#v", errBody)
	}

	var runs []store.Run
	getJSON(t, ts.URL+"/api/runs", http.StatusOK, &runs)
	if runs == nil || len(runs) != 0 {
		t.Fatalf("expected empty list, got %#v", runs)
	}
}

func TestWebSocketRoute(t *testing.T) {
	hub := ws.NewHub()
	hello := func() ws.Message { return ws.SourceMessage("Normal", 0.5, false, 0) }
	api := New(func() Status { return Status{} }, nil, hub, hello)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ws.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if msg.Type != ws.TypeHello || msg.Label != "Normal" {
		t.Fatalf("unexpected hello: %#v", msg)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	api := New(func() Status { return Status{} }, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- api.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
