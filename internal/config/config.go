// Package config holds the noise shield settings.
// Settings are stored as JSON at os.UserConfigDir()/nicu-noise-shield/config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const appDir = "nicu-noise-shield"

// Config is built once at startup, validated, and passed by value to the
// components that need it.
type Config struct {
	// Duplex stream.
	SampleRate   float64 `json:"sample_rate"`
	Channels     int     `json:"channels"`
	BlockSize    int     `json:"block_size"`
	InputDevice  int     `json:"input_device"`
	OutputDevice int     `json:"output_device"`
	XrunPolicy   string  `json:"xrun_policy"`

	// LMS filter.
	FilterLength int     `json:"filter_length"`
	StepSize     float64 `json:"step_size"`

	// Muting.
	TriggerLabel string `json:"trigger_label"`

	// Source detection.
	RecordSeconds       float64  `json:"record_seconds"`
	RecordInterval      float64  `json:"record_interval"`
	RecordSampleRate    float64  `json:"record_sample_rate"`
	RecordDevice        int      `json:"record_device"`
	NFFT                int      `json:"n_fft"`
	HopLength           int      `json:"hop_length"`
	SpectrogramRows     int      `json:"spectrogram_rows"`
	SpectrogramCols     int      `json:"spectrogram_cols"`
	Labels              []string `json:"labels"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	NormalIndex         int      `json:"normal_index"`
	ModelPath           string   `json:"model_path"`
	OnnxLibrary         string   `json:"onnx_library"`

	// Level meter.
	LevelMaxPoints int     `json:"level_max_points"`
	LevelMin       float64 `json:"level_min"`
	LevelMax       float64 `json:"level_max"`

	// History and telemetry. An empty HistoryDB uses HistoryPath; an empty
	// Listen disables the HTTP server.
	HistoryDB string `json:"history_db"`
	Listen    string `json:"listen"`
}

// Default returns a Config populated with the stock settings. ModelPath is
// empty, which selects the built-in energy classifier.
func Default() Config {
	return Config{
		SampleRate:   44100,
		Channels:     2,
		BlockSize:    1024,
		InputDevice:  -1,
		OutputDevice: -1,
		XrunPolicy:   "continue",

		FilterLength: 128,
		StepSize:     0.001,

		TriggerLabel: "Talk",

		RecordSeconds:       3,
		RecordInterval:      1,
		RecordSampleRate:    44100,
		RecordDevice:        -1,
		NFFT:                2048,
		HopLength:           512,
		SpectrogramRows:     128,
		SpectrogramCols:     128,
		Labels:              []string{"Talk", "Machine", "Warning", "Walk", "Normal"},
		ConfidenceThreshold: 0.85,
		NormalIndex:         4,

		LevelMaxPoints: 100,
		LevelMin:       -120,
		LevelMax:       0,
	}
}

// RecordDuration is RecordSeconds as a duration.
func (c Config) RecordDuration() time.Duration {
	return time.Duration(c.RecordSeconds * float64(time.Second))
}

// Interval is RecordInterval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.RecordInterval * float64(time.Second))
}

// FieldError reports one invalid setting.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks every field and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(field string, value any, reason string) {
		errs = append(errs, &FieldError{Field: field, Value: value, Reason: reason})
	}

	if c.SampleRate <= 0 {
		bad("sample_rate", c.SampleRate, "must be > 0")
	}
	if c.Channels < 1 {
		bad("channels", c.Channels, "must be >= 1")
	}
	if c.BlockSize < 1 {
		bad("block_size", c.BlockSize, "must be >= 1")
	}
	if c.InputDevice < -1 {
		bad("input_device", c.InputDevice, "must be -1 (default) or a device index")
	}
	if c.OutputDevice < -1 {
		bad("output_device", c.OutputDevice, "must be -1 (default) or a device index")
	}
	if c.RecordDevice < -1 {
		bad("record_device", c.RecordDevice, "must be -1 (default) or a device index")
	}
	if c.XrunPolicy != "continue" && c.XrunPolicy != "abort" {
		bad("xrun_policy", c.XrunPolicy, `must be "continue" or "abort"`)
	}
	if c.FilterLength < 1 {
		bad("filter_length", c.FilterLength, "must be >= 1")
	}
	if c.StepSize <= 0 || math.IsInf(c.StepSize, 0) || math.IsNaN(c.StepSize) {
		bad("step_size", c.StepSize, "must be finite and > 0")
	}
	if c.TriggerLabel == "" {
		bad("trigger_label", c.TriggerLabel, "must not be empty")
	} else if !slices.Contains(c.Labels, c.TriggerLabel) {
		bad("trigger_label", c.TriggerLabel, "is not one of the labels")
	}
	if c.RecordSeconds <= 0 {
		bad("record_seconds", c.RecordSeconds, "must be > 0")
	}
	if c.RecordInterval < 0 {
		bad("record_interval", c.RecordInterval, "must be >= 0")
	}
	if c.RecordSampleRate <= 0 {
		bad("record_sample_rate", c.RecordSampleRate, "must be > 0")
	}
	if c.NFFT < 2 || c.NFFT%2 != 0 {
		bad("n_fft", c.NFFT, "must be even and >= 2")
	}
	if c.HopLength < 1 {
		bad("hop_length", c.HopLength, "must be >= 1")
	}
	if c.SpectrogramRows < 1 || c.SpectrogramCols < 1 {
		bad("spectrogram", fmt.Sprintf("%dx%d", c.SpectrogramRows, c.SpectrogramCols), "must be positive")
	}
	if len(c.Labels) == 0 {
		bad("labels", c.Labels, "must not be empty")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		bad("confidence_threshold", c.ConfidenceThreshold, "must be in [0, 1]")
	}
	if c.NormalIndex < 0 || c.NormalIndex >= len(c.Labels) {
		bad("normal_index", c.NormalIndex, "must index into labels")
	}
	if c.LevelMaxPoints < 1 {
		bad("level_max_points", c.LevelMaxPoints, "must be >= 1")
	}
	if c.LevelMin >= c.LevelMax {
		bad("level_min", c.LevelMin, "must be below level_max")
	}
	return errors.Join(errs...)
}

// Dir returns the directory holding the config file and history database.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDir), nil
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// HistoryPath returns the database path for c.
func (c Config) HistoryPath() (string, error) {
	if c.HistoryDB != "" {
		return c.HistoryDB, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads path over the defaults. Fields absent from the file keep
// their default values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the default path, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
