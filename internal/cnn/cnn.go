// Package cnn runs the source classification network through ONNX Runtime.
//
// The model takes a single log-mel image shaped [1, rows, cols, 1] and
// returns [1, classes] scores in label order. Input and output tensors are
// allocated once and bound to the session; each Classify call fills the
// input in place and runs the graph.
package cnn

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/features"
)

// ErrModelNotFound is returned by Open when the model file does not exist.
var ErrModelNotFound = errors.New("cnn: model file not found")

// ErrClosed is returned by Classify after Close.
var ErrClosed = errors.New("cnn: classifier closed")

// Config describes the model and how to feed it.
type Config struct {
	ModelPath string
	// SharedLibrary is the path to the onnxruntime shared library. Empty uses
	// the loader's default search.
	SharedLibrary string
	Features      features.Params
	Classes       int
	InputName     string
	OutputName    string
	// Softmax normalises raw logits. Leave false for models that end in a
	// softmax layer.
	Softmax bool
}

// DefaultConfig returns the settings for the bundled five-class model.
func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:  modelPath,
		Features:   features.DefaultParams(),
		Classes:    len(detector.Labels),
		InputName:  "input",
		OutputName: "output",
	}
}

// Classifier wraps one ONNX Runtime session.
type Classifier struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	closed  bool
}

var _ detector.Classifier = (*Classifier)(nil)

// Open loads the model. A missing model file is reported before the runtime
// is touched.
func Open(cfg Config) (*Classifier, error) {
	if err := cfg.Features.Validate(); err != nil {
		return nil, fmt.Errorf("cnn: %w", err)
	}
	if cfg.Classes <= 0 {
		return nil, fmt.Errorf("cnn: classes must be > 0, got %d", cfg.Classes)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
		}
		return nil, fmt.Errorf("cnn: stat model: %w", err)
	}

	if !ort.IsInitialized() {
		if cfg.SharedLibrary != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("cnn: initialize onnxruntime: %w", err)
		}
	}

	p := cfg.Features
	input, err := ort.NewTensor(
		ort.NewShape(1, int64(p.Rows), int64(p.Cols), 1),
		make([]float32, p.Size()))
	if err != nil {
		return nil, fmt.Errorf("cnn: input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Classes)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("cnn: output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("cnn: load %s: %w", cfg.ModelPath, err)
	}

	log := slog.With("component", "cnn")
	log.Info("model loaded", "path", cfg.ModelPath, "input", fmt.Sprintf("1x%dx%dx1", p.Rows, p.Cols), "classes", cfg.Classes)
	return &Classifier{cfg: cfg, log: log, session: session, input: input, output: output}, nil
}

// Classify extracts features from samples and runs the model.
func (c *Classifier) Classify(samples []float32) ([]float32, error) {
	feat, err := features.Extract(samples, c.cfg.Features)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	copy(c.input.GetData(), feat)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("cnn: run: %w", err)
	}
	probs := append([]float32(nil), c.output.GetData()...)
	if c.cfg.Softmax {
		Softmax(probs)
	}
	return probs, nil
}

// Close releases the session and the runtime environment.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	errs := []error{c.session.Destroy(), c.input.Destroy(), c.output.Destroy()}
	if ort.IsInitialized() {
		errs = append(errs, ort.DestroyEnvironment())
	}
	return errors.Join(errs...)
}

// Softmax normalises v in place.
func Softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	top := v[0]
	for _, x := range v[1:] {
		top = max(top, x)
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - top))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
