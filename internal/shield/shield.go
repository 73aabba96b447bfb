// Package shield wires the LMS filter bank and the source gate into the
// duplex stream callback. Each block is filtered, then either played back or
// muted depending on the most recent source classification.
package shield

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/lms"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/sourcegate"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

// Policy decides what happens when the driver reports an xrun.
type Policy int

const (
	// Continue counts the xrun and keeps processing.
	Continue Policy = iota
	// Abort raises a fault and silences the output.
	Abort
)

func (p Policy) String() string {
	switch p {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts "continue" or "abort", case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return Continue, nil
	case "abort":
		return Abort, nil
	}
	return Continue, fmt.Errorf("unknown xrun policy %q", s)
}

// ConfigError reports an orchestrator that cannot be built from its parts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("shield: invalid %s: %s", e.Field, e.Reason)
}

// ErrXrun is carried by faults raised under the Abort policy.
var ErrXrun = errors.New("shield: driver reported an xrun")

// Config configures an Orchestrator.
type Config struct {
	// TriggerLabel mutes the output while it is the current source.
	TriggerLabel string
	// Channels must match the filter bank.
	Channels   int
	XrunPolicy Policy
	// BlockSize, if set, preallocates the visualizer buffer for blocks of
	// this many frames.
	BlockSize int
}

// Visualizer receives the first channel of every block that is played back.
// PushBlock runs on the audio thread and must not block; the slice is reused
// after it returns.
type Visualizer interface {
	PushBlock(samples []float32)
}

// FaultKind classifies a Fault.
type FaultKind int

const (
	FaultDiverged FaultKind = iota + 1
	FaultLayout
	FaultXrun
)

func (k FaultKind) String() string {
	switch k {
	case FaultDiverged:
		return "diverged"
	case FaultLayout:
		return "layout"
	case FaultXrun:
		return "xrun"
	}
	return "unknown"
}

// Fault is raised when the orchestrator stops producing output.
type Fault struct {
	Kind   FaultKind
	Err    error
	Status stream.Status
	Block  uint64 // 1-based index of the block that faulted
}

func (f Fault) Error() string {
	return fmt.Sprintf("block %d: %s: %v", f.Block, f.Kind, f.Err)
}

func (f Fault) Unwrap() error { return f.Err }

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	Blocks     uint64              `json:"blocks"`
	Muted      uint64              `json:"muted"`
	Xruns      uint64              `json:"xruns"`
	Faults     uint64              `json:"faults"`
	Halted     bool                `json:"halted"`
	LastStatus string              `json:"last_status"`
	Source     sourcegate.Snapshot `json:"source"`
}

// Orchestrator implements stream.Callback.
type Orchestrator struct {
	bank    *lms.Bank
	gate    *sourcegate.Gate
	vis     Visualizer
	trigger string
	policy  Policy

	mono   []float32
	faults chan Fault

	halted     atomic.Bool
	blocks     atomic.Uint64
	muted      atomic.Uint64
	xruns      atomic.Uint64
	faulted    atomic.Uint64
	lastStatus atomic.Uint32
	lastSnap   atomic.Pointer[sourcegate.Snapshot]
}

var _ stream.Callback = (*Orchestrator)(nil)

// New builds an Orchestrator. vis may be nil.
func New(bank *lms.Bank, gate *sourcegate.Gate, vis Visualizer, cfg Config) (*Orchestrator, error) {
	if bank == nil {
		return nil, &ConfigError{Field: "filter bank", Reason: "nil"}
	}
	if gate == nil {
		return nil, &ConfigError{Field: "source gate", Reason: "nil"}
	}
	if cfg.Channels != bank.Channels() {
		return nil, &ConfigError{
			Field:  "channels",
			Reason: fmt.Sprintf("stream has %d, filter bank has %d", cfg.Channels, bank.Channels()),
		}
	}
	if cfg.TriggerLabel == "" {
		return nil, &ConfigError{Field: "trigger label", Reason: "must not be empty"}
	}
	if cfg.XrunPolicy != Continue && cfg.XrunPolicy != Abort {
		return nil, &ConfigError{Field: "xrun policy", Reason: cfg.XrunPolicy.String()}
	}
	o := &Orchestrator{
		bank:    bank,
		gate:    gate,
		vis:     vis,
		trigger: cfg.TriggerLabel,
		policy:  cfg.XrunPolicy,
		mono:    make([]float32, max(cfg.BlockSize, 0)),
		faults:  make(chan Fault, 4),
	}
	o.lastSnap.Store(gate.Load())
	return o, nil
}

// Process filters one block. It never blocks, locks or logs.
func (o *Orchestrator) Process(in, out []float32, status stream.Status) {
	block := o.blocks.Add(1)
	o.lastStatus.Store(uint32(status))
	if status.Xrun() {
		o.xruns.Add(1)
		if o.policy == Abort && !o.halted.Load() {
			o.halt(Fault{Kind: FaultXrun, Err: ErrXrun, Status: status, Block: block})
		}
	}
	if o.halted.Load() {
		clear(out)
		return
	}

	if err := o.bank.ProcessBlock(out, in); err != nil {
		kind := FaultLayout
		if errors.Is(err, lms.ErrDiverged) {
			kind = FaultDiverged
		}
		o.halt(Fault{Kind: kind, Err: err, Status: status, Block: block})
		clear(out)
		return
	}

	clear(out[len(in):])

	snap := o.gate.Load()
	o.lastSnap.Store(snap)
	if snap.Label == o.trigger {
		o.muted.Add(1)
		clear(out)
		return
	}
	if o.vis != nil {
		o.vis.PushBlock(o.firstChannel(out[:len(in)]))
	}
}

// firstChannel deinterleaves channel 0 into the reusable mono buffer. The
// buffer only grows if a block is larger than any seen before.
func (o *Orchestrator) firstChannel(block []float32) []float32 {
	ch := o.bank.Channels()
	frames := len(block) / ch
	if cap(o.mono) < frames {
		o.mono = make([]float32, frames)
	}
	m := o.mono[:frames]
	for i := range m {
		m[i] = block[i*ch]
	}
	return m
}

func (o *Orchestrator) halt(f Fault) {
	o.halted.Store(true)
	o.faulted.Add(1)
	select {
	case o.faults <- f:
	default:
	}
}

// Faults delivers faults raised on the audio thread. Sends never block; if
// the channel is full the fault is counted but not delivered.
func (o *Orchestrator) Faults() <-chan Fault { return o.faults }

// Halted reports whether a fault has silenced the output.
func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// Resume resets the filter bank and clears the halted state. It must not be
// called while the stream is running.
func (o *Orchestrator) Resume() {
	o.bank.Reset()
	o.halted.Store(false)
}

// Stats returns the current counters. Safe from any goroutine.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Blocks:     o.blocks.Load(),
		Muted:      o.muted.Load(),
		Xruns:      o.xruns.Load(),
		Faults:     o.faulted.Load(),
		Halted:     o.halted.Load(),
		LastStatus: stream.Status(o.lastStatus.Load()).String(),
		Source:     *o.lastSnap.Load(),
	}
}
