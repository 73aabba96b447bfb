package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/config"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/store"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// Globals are flags shared by every command.
type Globals struct {
	Debug      bool             `help:"Enable debug logging (auto-enabled for dev builds)."`
	ConfigFile string           `name:"config-file" short:"c" type:"path" help:"Config file to read instead of the user config."`
	Version    kong.VersionFlag `short:"v" help:"Show version information."`
}

// CLI defines the command-line interface
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the noise shield (default)."`
	Devices DevicesCmd `cmd:"" help:"List audio devices."`
	History HistoryCmd `cmd:"" help:"Show recent runs and detections."`
	Config  ConfigCmd  `cmd:"" help:"Print or save the effective configuration."`
}

// Overrides replace config fields for one invocation. Unset flags leave the
// config value alone.
type Overrides struct {
	SampleRate    *float64 `help:"Stream sample rate in Hz."`
	Channels      *int     `help:"Capture and playback channel count."`
	BlockSize     *int     `help:"Frames per audio callback."`
	InputDevice   *int     `help:"Input device index (-1 for default)."`
	OutputDevice  *int     `help:"Output device index (-1 for default)."`
	XrunPolicy    *string  `help:"What an xrun does: continue or abort."`
	FilterLength  *int     `short:"L" help:"LMS taps per channel."`
	StepSize      *float64 `help:"LMS step size (mu)."`
	Trigger       *string  `help:"Source label that mutes the output."`
	RecordSeconds *float64 `help:"Length of each detection recording."`
	RecordDevice  *int     `help:"Detection input device index (-1 for default)."`
	Threshold     *float64 `help:"Minimum confidence to report a source."`
	Model         *string  `help:"ONNX model path (empty for the energy classifier)."`
	OnnxLibrary   *string  `help:"Path to the onnxruntime shared library."`
	HistoryDB     *string  `name:"history-db" help:"Detection history database path."`
	Listen        *string  `help:"Serve status and telemetry on this address, e.g. :8080."`
}

// Apply copies every set override into cfg.
func (o Overrides) Apply(cfg *config.Config) {
	set(&cfg.SampleRate, o.SampleRate)
	set(&cfg.Channels, o.Channels)
	set(&cfg.BlockSize, o.BlockSize)
	set(&cfg.InputDevice, o.InputDevice)
	set(&cfg.OutputDevice, o.OutputDevice)
	set(&cfg.XrunPolicy, o.XrunPolicy)
	set(&cfg.FilterLength, o.FilterLength)
	set(&cfg.StepSize, o.StepSize)
	set(&cfg.TriggerLabel, o.Trigger)
	set(&cfg.RecordSeconds, o.RecordSeconds)
	set(&cfg.RecordDevice, o.RecordDevice)
	set(&cfg.ConfidenceThreshold, o.Threshold)
	set(&cfg.ModelPath, o.Model)
	set(&cfg.OnnxLibrary, o.OnnxLibrary)
	set(&cfg.HistoryDB, o.HistoryDB)
	set(&cfg.Listen, o.Listen)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// loadConfig returns the config file named by --config-file, or the user
// config (defaults when missing).
func (g *Globals) loadConfig() (config.Config, error) {
	if g.ConfigFile != "" {
		return config.LoadFile(g.ConfigFile)
	}
	return config.Load(), nil
}

// RunCmd runs the shield until interrupted.
type RunCmd struct {
	Overrides

	Simulate bool `help:"Use generated audio instead of sound devices."`
	NoUI     bool `name:"no-ui" help:"Disable the terminal level display."`
}

func (r *RunCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	r.Apply(&cfg)

	logFile, err := setupLogging(g.Debug, !r.NoUI)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	slog.Info("starting", "version", Version, "simulated", r.Simulate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, Options{Simulated: r.Simulate, NoUI: r.NoUI})
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// DevicesCmd lists audio devices.
type DevicesCmd struct {
	Simulate bool `help:"List the simulated backend's devices."`
	JSON     bool `name:"json" help:"Print JSON."`
}

func (d *DevicesCmd) Run(g *Globals) error {
	var backend stream.Backend = &stream.Simulated{}
	if !d.Simulate {
		pa, err := stream.NewPortAudio()
		if err != nil {
			return err
		}
		defer pa.Terminate()
		backend = pa
	}
	devices, err := backend.Devices()
	if err != nil {
		return err
	}
	return printDevices(os.Stdout, devices, d.JSON)
}

func printDevices(w io.Writer, devices []stream.DeviceInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	fmt.Fprintln(w, titleStyle.Render("Audio devices"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tIN\tOUT\tRATE")
	for _, dev := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%g\n", dev.ID, dev.Name, dev.MaxInputChannels, dev.MaxOutputChannels, dev.DefaultSampleRate)
	}
	return tw.Flush()
}

// HistoryCmd prints recent runs and detections.
type HistoryCmd struct {
	Limit     int     `short:"n" default:"20" help:"Number of detections to show."`
	Runs      int     `default:"5" help:"Number of runs to show."`
	JSON      bool    `name:"json" help:"Print JSON."`
	HistoryDB *string `name:"history-db" help:"Detection history database path."`
}

func (h *HistoryCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	set(&cfg.HistoryDB, h.HistoryDB)
	path, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no history at %s: %w", path, err)
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runs, err := st.Runs(ctx, h.Runs)
	if err != nil {
		return err
	}
	dets, err := st.RecentDetections(ctx, h.Limit)
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, runs, dets, h.JSON)
}

func printHistory(w io.Writer, runs []store.Run, dets []store.DetectionRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Runs       []store.Run          `json:"runs"`
			Detections []store.DetectionRow `json:"detections"`
		}{runs, dets})
	}

	fmt.Fprintln(w, titleStyle.Render("Runs"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tBLOCKS\tMUTED\tXRUNS\tFAULTS\tEND")
	for _, r := range runs {
		dur, end := "running", r.Reason
		if !r.EndedAt.IsZero() {
			dur = r.EndedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}
		if end == "" {
			end = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), dur, r.Blocks, r.Muted, r.Xruns, r.Faults, end)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Detections"))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSOURCE\tCONFIDENCE\tELAPSED")
	for _, d := range dets {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\n",
			d.Timestamp.Local().Format(time.DateTime), d.Label, d.Confidence*100, d.Elapsed)
	}
	return tw.Flush()
}

// ConfigCmd prints the effective configuration.
type ConfigCmd struct {
	Overrides

	Save bool `help:"Write the effective configuration to the config file."`
	Path bool `help:"Print the config file path and exit."`
}

func (c *ConfigCmd) Run(g *Globals) error {
	path := g.ConfigFile
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		path = p
	}
	if c.Path {
		fmt.Println(path)
		return nil
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	c.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Save {
		if err := config.SaveFile(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", keyStyle.Render("saved"), path)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// setupLogging installs the default slog logger. While the terminal UI owns
// the screen, logs go to a file in the config directory; the file is
// returned for closing.
func setupLogging(debug, toFile bool) (*os.File, error) {
	level := slog.LevelInfo
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}

	var (
		w    io.Writer = os.Stderr
		file *os.File
	)
	if toFile {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err = os.OpenFile(filepath.Join(dir, "shield.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = file
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return file, nil
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("shield"),
		kong.Description("Real-time adaptive noise cancellation that mutes itself while someone is talking."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
		kong.Help(styledHelpPrinter),
	}
	return kong.New(cli, append(base, opts...)...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(2)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&cli.Globals); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
