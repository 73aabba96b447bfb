package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/cnn"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/config"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/features"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/httpapi"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/level"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/lms"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/recorder"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/shield"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/sourcegate"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/store"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/ui"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/ws"
)

const (
	monitorInterval = 5 * time.Second
	statsInterval   = 500 * time.Millisecond
	stepTimeout     = 5 * time.Second
)

// End reasons recorded for a run.
const (
	reasonInterrupted = "interrupted"
	reasonUIQuit      = "ui quit"
	reasonFault       = "fault"
)

// Options are the run-time switches that are not part of the persisted
// config.
type Options struct {
	Simulated bool
	NoUI      bool

	// Test seams. Nil fields get the production implementation.
	Backend    stream.Backend
	Recorder   detector.Recorder
	Classifier detector.Classifier
	// TeaOptions are passed to the Bubbletea program.
	TeaOptions []tea.ProgramOption
}

// App wires config into the running pipeline:
//
//	stream session -> orchestrator (LMS bank, source gate) -> level meter
//	detector (recorder, classifier) -> source gate, history, telemetry
//
// Build with NewApp, drive with Run. Run releases everything it was given.
type App struct {
	cfg  config.Config
	opts Options
	log  *slog.Logger

	terminate func() error
	closers   []io.Closer

	gate    *sourcegate.Gate
	meter   *level.Meter
	orch    *shield.Orchestrator
	session *stream.Session
	det     *detector.Detector

	history *store.Store
	runID   string

	hub *ws.Hub
	api *httpapi.Server

	program *tea.Program

	started time.Time
}

// NewApp validates cfg and builds every component. Nothing runs until Run.
// Errors here are startup failures: invalid config, no audio device, a
// model that cannot be loaded.
func NewApp(cfg config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a = &App{cfg: cfg, opts: opts, log: slog.With("component", "app")}
	defer func() {
		if err != nil {
			a.release()
			a = nil
		}
	}()

	policy, err := shield.ParsePolicy(cfg.XrunPolicy)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		if opts.Simulated {
			backend = &stream.Simulated{Generator: scenarioGenerator(cfg.SampleRate, 1)}
		} else {
			pa, err := stream.NewPortAudio()
			if err != nil {
				return nil, err
			}
			a.terminate = pa.Terminate
			backend = pa
		}
	}

	bank, err := lms.New(lms.Config{Order: cfg.FilterLength, Channels: cfg.Channels, StepSize: float32(cfg.StepSize)})
	if err != nil {
		return nil, err
	}
	a.gate = sourcegate.New()
	a.meter = level.New(level.Config{
		BlockSize: cfg.BlockSize,
		MaxPoints: cfg.LevelMaxPoints,
		Min:       cfg.LevelMin,
		Max:       cfg.LevelMax,
	})
	a.orch, err = shield.New(bank, a.gate, a.meter, shield.Config{
		TriggerLabel: cfg.TriggerLabel,
		Channels:     cfg.Channels,
		XrunPolicy:   policy,
		BlockSize:    cfg.BlockSize,
	})
	if err != nil {
		return nil, err
	}

	a.session, err = stream.Open(backend, stream.Params{
		SampleRate:   cfg.SampleRate,
		BlockSize:    cfg.BlockSize,
		Channels:     cfg.Channels,
		InputDevice:  cfg.InputDevice,
		OutputDevice: cfg.OutputDevice,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio stream: %w", err)
	}

	rec, cls, err := a.detectionInputs()
	if err != nil {
		return nil, err
	}

	dbPath, err := cfg.HistoryPath()
	if err != nil {
		return nil, fmt.Errorf("resolve history path: %w", err)
	}
	a.history, err = store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	a.runID, err = a.history.StartRun(context.Background(), store.RunSettings{
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		BlockSize:    cfg.BlockSize,
		FilterLength: cfg.FilterLength,
		StepSize:     cfg.StepSize,
		TriggerLabel: cfg.TriggerLabel,
		Simulated:    opts.Simulated,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Listen != "" {
		a.hub = ws.NewHub()
		a.api = httpapi.New(a.status, a.history, a.hub, a.helloMessage)
	}

	if !opts.NoUI {
		model := ui.NewModel(cfg.LevelMaxPoints, cfg.LevelMin, cfg.LevelMax)
		model.Simulated = opts.Simulated
		a.program = tea.NewProgram(model, append([]tea.ProgramOption{tea.WithAltScreen()}, opts.TeaOptions...)...)
	}

	a.det, err = detector.New(rec, cls, a.gate, detector.Config{
		RecordDuration: cfg.RecordDuration(),
		Interval:       cfg.Interval(),
		Threshold:      cfg.ConfidenceThreshold,
		FallbackIndex:  cfg.NormalIndex,
		Labels:         cfg.Labels,
	},
		detector.WithSink(a.history.Sink(a.runID)),
		detector.WithSink(detector.SinkFunc(a.publishSource)),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// detectionInputs picks the recorder and classifier for the configured mode.
func (a *App) detectionInputs() (detector.Recorder, detector.Classifier, error) {
	cfg := a.cfg
	rec := a.opts.Recorder
	if rec == nil {
		if a.opts.Simulated {
			rec = &recorder.Synthetic{
				SampleRate: cfg.RecordSampleRate,
				Generator:  scenarioGenerator(cfg.RecordSampleRate, 2),
			}
		} else {
			rec = recorder.NewPortAudio(cfg.RecordSampleRate, cfg.RecordDevice)
		}
	}

	cls := a.opts.Classifier
	switch {
	case cls != nil:
	case cfg.ModelPath == "":
		a.log.Info("no model configured; using the energy classifier")
		cls = cnn.NewEnergy(int(cfg.RecordSampleRate))
	default:
		ccfg := cnn.DefaultConfig(cfg.ModelPath)
		ccfg.SharedLibrary = cfg.OnnxLibrary
		ccfg.Classes = len(cfg.Labels)
		ccfg.Features = features.Params{
			SampleRate: int(cfg.RecordSampleRate),
			NFFT:       cfg.NFFT,
			Hop:        cfg.HopLength,
			Mels:       cfg.SpectrogramRows,
			Rows:       cfg.SpectrogramRows,
			Cols:       cfg.SpectrogramCols,
		}
		c, err := cnn.Open(ccfg)
		if err != nil {
			return nil, nil, fmt.Errorf("load classifier: %w", err)
		}
		a.closers = append(a.closers, c)
		cls = c
	}
	return rec, cls, nil
}

// Run starts audio, detection, telemetry and the UI, then blocks until ctx
// is cancelled, the UI quits, or the orchestrator reports a fault. It then
// shuts everything down and records the run summary. A fault is returned
// as an error.
func (a *App) Run(ctx context.Context) error {
	defer a.release()
	a.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.session.Run(a.orch); err != nil {
		a.endRun(reasonFault)
		return fmt.Errorf("start audio stream: %w", err)
	}
	a.log.Info("audio running",
		"sample_rate", a.cfg.SampleRate, "channels", a.cfg.Channels, "block", a.cfg.BlockSize,
		"filter_length", a.cfg.FilterLength, "step_size", a.cfg.StepSize,
		"simulated", a.opts.Simulated, "run_id", a.runID)
	a.det.Start()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	levels, unsubscribe := a.meter.Subscribe()
	spawn(func() { a.forwardLevels(ctx, levels) })
	spawn(func() { RunMonitor(ctx, a.log, a.monitorSample, monitorInterval) })

	apiErr := make(chan error, 1)
	if a.api != nil {
		spawn(func() {
			a.log.Info("telemetry listening", "addr", a.cfg.Listen)
			apiErr <- a.api.Run(ctx, a.cfg.Listen)
		})
	}

	uiDone := make(chan error, 1)
	if a.program != nil {
		spawn(func() {
			_, err := a.program.Run()
			uiDone <- err
		})
		spawn(func() { a.pushStats(ctx) })
	}

	var (
		reason = reasonInterrupted
		runErr error
	)
	select {
	case <-ctx.Done():
	case err := <-uiDone:
		reason = reasonUIQuit
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			runErr = fmt.Errorf("ui: %w", err)
		}
	case f := <-a.orch.Faults():
		reason = reasonFault
		runErr = f
		a.log.Error("orchestrator fault; shutting down", "kind", f.Kind.String(), "block", f.Block, "err", f.Err)
		a.broadcast(ws.FaultMessage(f.Kind.String(), f.Error(), time.Now().UnixMilli()))
		a.send(ui.FaultMsg{Err: f})
	case err := <-apiErr:
		if err != nil {
			reason = reasonFault
			runErr = fmt.Errorf("telemetry server: %w", err)
		}
	}

	a.shutdown()
	unsubscribe()
	cancel()
	if a.program != nil {
		a.program.Quit()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	wg.Wait()

	a.endRun(reason)
	a.log.Info("stopped", "reason", reason, "uptime", time.Since(a.started).Truncate(time.Millisecond))
	return runErr
}

// shutdown stops the producers in dependency order: audio first so nothing
// new reaches the meter, then detection, then the meter.
func (a *App) shutdown() {
	a.step("audio stream", a.session.Stop)
	a.step("detector", func() error { a.det.Stop(); return nil })
	a.step("level meter", a.meter.Stop)
}

// step runs fn, logging an error or a timeout. A step that times out is
// left running.
func (a *App) step(name string, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop failed", "step", name, "err", err)
		}
	case <-time.After(stepTimeout):
		a.log.Warn("stop timed out", "step", name, "timeout", stepTimeout)
	}
}

func (a *App) endRun(reason string) {
	if a.history == nil || a.runID == "" {
		return
	}
	st := a.orch.Stats()
	sum := store.RunSummary{Blocks: st.Blocks, Muted: st.Muted, Xruns: st.Xruns, Faults: st.Faults, Reason: reason}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := a.history.EndRun(ctx, a.runID, sum); err != nil {
		a.log.Warn("record run summary", "run_id", a.runID, "err", err)
	}
}

// release frees everything NewApp acquired. Safe to call more than once.
func (a *App) release() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Warn("close audio stream", "err", err)
		}
	}
	if a.meter != nil {
		_ = a.meter.Stop()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close classifier", "err", err)
		}
	}
	a.closers = nil
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("close history", "err", err)
		}
		a.history = nil
	}
	if a.terminate != nil {
		if err := a.terminate(); err != nil {
			a.log.Warn("terminate portaudio", "err", err)
		}
		a.terminate = nil
	}
}

// publishSource fans a new detection out to telemetry and the UI.
func (a *App) publishSource(_ context.Context, d detector.Detection) error {
	muted := d.Label == a.cfg.TriggerLabel
	a.broadcast(ws.SourceMessage(d.Label, d.Confidence, muted, d.Timestamp.UnixMilli()))
	a.send(ui.SourceMsg{Label: d.Label, Confidence: d.Confidence, Muted: muted})
	return nil
}

func (a *App) forwardLevels(ctx context.Context, levels <-chan level.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-levels:
			if !ok {
				return
			}
			a.broadcast(ws.LevelMessage(r.DB, r.Time.UnixMilli()))
			a.send(ui.LevelMsg{DB: r.DB, Time: r.Time})
		}
	}
}

func (a *App) pushStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o, s, d := a.orch.Stats(), a.session.Stats(), a.det.Stats()
			a.send(ui.StatsMsg{
				Blocks:       o.Blocks,
				Muted:        o.Muted,
				Xruns:        s.Xruns,
				Late:         s.Late,
				LevelDropped: a.meter.Dropped(),
				Detections:   d.Detections,
				Halted:       o.Halted,
			})
		}
	}
}

func (a *App) broadcast(msg ws.Message) {
	if a.hub != nil {
		a.hub.Broadcast(msg)
	}
}

func (a *App) send(msg tea.Msg) {
	if a.program != nil {
		a.program.Send(msg)
	}
}

func (a *App) status() httpapi.Status {
	st := httpapi.Status{
		RunID:      a.runID,
		Simulated:  a.opts.Simulated,
		LevelDB:    a.meter.Latest(),
		Shield:     a.orch.Stats(),
		Stream:     a.session.Stats(),
		Detector:   a.det.Stats(),
		LevelDrops: a.meter.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	if a.hub != nil {
		st.WSClients = a.hub.ClientCount()
		st.WSDropped = a.hub.Dropped()
	}
	return st
}

func (a *App) helloMessage() ws.Message {
	snap := a.gate.Read()
	msg := ws.SourceMessage(snap.Label, snap.Confidence, snap.Label == a.cfg.TriggerLabel, time.Now().UnixMilli())
	db := a.meter.Latest()
	msg.DB = &db
	return msg
}

func (a *App) monitorSample() MonitorSample {
	o, s := a.orch.Stats(), a.session.Stats()
	return MonitorSample{
		Blocks:      o.Blocks,
		Muted:       o.Muted,
		Xruns:       s.Xruns,
		Late:        s.Late,
		MaxCallback: s.MaxCallback,
		Dropped:     a.meter.Dropped(),
		Source:      o.Source.Label,
	}
}
