// Package encoder provides the differentiable encoder used for both the
// query and the key network: an MLP backbone (Linear -> BatchNorm -> ReLU
// blocks) followed by a projection head whose output rows are L2-normalised.
//
// Parameters live outside any gorgonia graph. Each compiled graph binds the
// same *tensor.Dense values, so a query encoder can be built into a training
// graph while detached forward passes of any batch size read the very same
// state, and the momentum updater can address every tensor by name.
//
// An Encoder is not safe for concurrent use.
package encoder

import (
	"errors"
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Mode selects how batch normalisation behaves.
type Mode int

const (
	// Train normalises with batch statistics and advances the running
	// statistics after every detached forward.
	Train Mode = iota
	// Inference normalises with the running statistics; rows are independent.
	Inference
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "inference"
}

// Config is the encoder architecture.
type Config struct {
	InputDim    int
	HiddenDims  []int
	FeaturesDim int
	BNMomentum  float64
	BNEpsilon   float64
}

// Encoder is an MLP encoder with shared, addressable parameters.
type Encoder struct {
	cfg    Config
	name   string
	layers []*hiddenLayer
	head   *projectionHead
	params []*Param
	frozen bool

	passes map[passKey]*pass
}

// New creates an encoder with Glorot-initialised weights, unit batch-norm
// scales and zero shifts, drawing every random value from rng. A nil rng is
// seeded with 0. name prefixes node names in compiled graphs.
func New(name string, cfg Config, rng *rand.Rand) (*Encoder, error) {
	if cfg.InputDim <= 0 || cfg.FeaturesDim <= 0 {
		return nil, fmt.Errorf("encoder: input and feature dims must be positive, got %d and %d", cfg.InputDim, cfg.FeaturesDim)
	}
	if cfg.BNEpsilon <= 0 {
		cfg.BNEpsilon = 1e-5
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	e := &Encoder{cfg: cfg, name: name, passes: make(map[passKey]*pass)}

	in := cfg.InputDim
	for i, h := range cfg.HiddenDims {
		if h <= 0 {
			return nil, fmt.Errorf("encoder: hidden dim %d is %d", i, h)
		}
		l := newHiddenLayer(rng, i, in, h)
		e.layers = append(e.layers, l)
		e.params = append(e.params, l.params()...)
		in = h
	}
	e.head = newProjectionHead(rng, in, cfg.FeaturesDim)
	e.params = append(e.params, e.head.params()...)
	return e, nil
}

// Name is the node-name prefix of the encoder.
func (e *Encoder) Name() string { return e.name }

// Config returns the architecture.
func (e *Encoder) Config() Config { return e.cfg }

// Params returns every parameter and buffer in a fixed order.
func (e *Encoder) Params() []*Param { return e.params }

// Param looks a parameter up by name.
func (e *Encoder) Param(name string) (*Param, bool) {
	for _, p := range e.params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Freeze marks every parameter as non-trainable. A frozen encoder can only
// be changed in place (momentum update); [Encoder.Build] never exposes its
// parameters as learnables.
func (e *Encoder) Freeze() {
	e.frozen = true
	for _, p := range e.params {
		p.Trainable = false
	}
}

// Frozen reports whether [Encoder.Freeze] was called.
func (e *Encoder) Frozen() bool { return e.frozen }

// TrainableCount is the number of scalar trainable parameters.
func (e *Encoder) TrainableCount() int {
	n := 0
	for _, p := range e.params {
		if p.Trainable {
			n += p.Value.Shape().TotalSize()
		}
	}
	return n
}

// Graph is an encoder forward pass added to a caller-owned graph.
type Graph struct {
	Output *gorgonia.Node

	// Learnables are the nodes of the trainable params, aligned with
	// the params returned by [Graph.Params].
	Learnables []*gorgonia.Node

	enc    *Encoder
	params []*Param
	stats  []*batchStats
	rows   int
}

// Params are the trainable params behind Learnables.
func (gr *Graph) Params() []*Param { return gr.params }

// builder carries the per-graph state while layers are added.
type builder struct {
	g      *gorgonia.ExprGraph
	mode   Mode
	prefix string
	eps    float64
	bound  map[*Param]*gorgonia.Node
}

func (b *builder) bind(p *Param) *gorgonia.Node {
	if n, ok := b.bound[p]; ok {
		return n
	}
	n := p.node(b.g, b.prefix)
	b.bound[p] = n
	return n
}

// Build adds the forward pass of x (N×InputDim) to g and returns the output
// node (N×FeaturesDim).
func (e *Encoder) Build(g *gorgonia.ExprGraph, x *gorgonia.Node, mode Mode) (*Graph, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != e.cfg.InputDim {
		return nil, fmt.Errorf("encoder %s: want input (N, %d), got %v", e.name, e.cfg.InputDim, shape)
	}
	b := &builder{
		g:      g,
		mode:   mode,
		prefix: e.name + "/",
		eps:    e.cfg.BNEpsilon,
		bound:  make(map[*Param]*gorgonia.Node),
	}
	gr := &Graph{enc: e, rows: shape[0]}

	h := x
	for _, l := range e.layers {
		out, stats, err := l.forward(b, h)
		if err != nil {
			return nil, fmt.Errorf("encoder %s: %w", e.name, err)
		}
		if stats != nil {
			gr.stats = append(gr.stats, stats)
		}
		h = out
	}
	out, err := e.head.forward(b, h)
	if err != nil {
		return nil, fmt.Errorf("encoder %s: head: %w", e.name, err)
	}
	gr.Output = out

	for _, p := range e.params {
		if !p.Trainable {
			continue
		}
		if n, ok := b.bound[p]; ok {
			gr.Learnables = append(gr.Learnables, n)
			gr.params = append(gr.params, p)
		}
	}
	return gr, nil
}

// Commit runs after the graph's machine executed: it advances batch-norm
// running statistics from the batch statistics of the run and writes the
// learnable node values back into the shared params if the machine holds
// them in separate storage.
func (gr *Graph) Commit() error {
	for _, s := range gr.stats {
		mean, err := valueData(*s.mean)
		if err != nil {
			return fmt.Errorf("encoder %s: batch mean: %w", gr.enc.name, err)
		}
		vari, err := valueData(*s.vari)
		if err != nil {
			return fmt.Errorf("encoder %s: batch variance: %w", gr.enc.name, err)
		}
		s.layer.updateRunning(mean, vari, gr.rows, gr.enc.cfg.BNMomentum)
	}
	for i, n := range gr.Learnables {
		v, ok := n.Value().(*tensor.Dense)
		if !ok || v == gr.params[i].Value {
			continue
		}
		copy(gr.params[i].Data(), v.Data().([]float64))
	}
	return nil
}

var errNoValue = errors.New("no value")

func valueData(v gorgonia.Value) ([]float64, error) {
	if v == nil {
		return nil, errNoValue
	}
	data, ok := v.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("want float64 data, got %T", v.Data())
	}
	return data, nil
}
