package encoder

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type passKey struct {
	rows int
	mode Mode
}

// pass is a compiled, gradient-free forward graph for one batch size.
type pass struct {
	g       *gorgonia.ExprGraph
	x       *gorgonia.Node
	graph   *Graph
	out     gorgonia.Value
	machine gorgonia.VM
}

func (e *Encoder) compile(rows int, mode Mode) (*pass, error) {
	g := gorgonia.NewGraph()
	x := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(rows, e.cfg.InputDim),
		gorgonia.WithName(fmt.Sprintf("%s/x_%s_%d", e.name, mode, rows)))

	gr, err := e.Build(g, x, mode)
	if err != nil {
		return nil, err
	}
	p := &pass{g: g, x: x, graph: gr}
	gorgonia.Read(gr.Output, &p.out)
	p.machine = gorgonia.NewTapeMachine(g)
	return p, nil
}

// Forward runs a detached forward pass of x (N×InputDim) and returns a new
// (N×FeaturesDim) batch that no gradient can flow through. Compiled graphs
// are cached per batch size and mode. In Train mode the running statistics
// advance.
func (e *Encoder) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	return e.ForwardMode(x, Train)
}

// Embed is Forward in Inference mode.
func (e *Encoder) Embed(x *tensor.Dense) (*tensor.Dense, error) {
	return e.ForwardMode(x, Inference)
}

// ForwardMode runs a detached forward pass in the given mode.
func (e *Encoder) ForwardMode(x *tensor.Dense, mode Mode) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != e.cfg.InputDim {
		return nil, fmt.Errorf("encoder %s: want input (N, %d), got %v", e.name, e.cfg.InputDim, shape)
	}
	key := passKey{rows: shape[0], mode: mode}
	p, ok := e.passes[key]
	if !ok {
		var err error
		if p, err = e.compile(shape[0], mode); err != nil {
			return nil, err
		}
		e.passes[key] = p
	}
	defer p.machine.Reset()

	if err := gorgonia.Let(p.x, x); err != nil {
		return nil, fmt.Errorf("encoder %s: bind input: %w", e.name, err)
	}
	if err := p.machine.RunAll(); err != nil {
		return nil, fmt.Errorf("encoder %s: forward: %w", e.name, err)
	}
	if err := p.graph.Commit(); err != nil {
		return nil, err
	}
	out, ok := p.out.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("encoder %s: output is %T", e.name, p.out)
	}
	return out.Clone().(*tensor.Dense), nil
}

// Close releases every compiled pass.
func (e *Encoder) Close() {
	for k, p := range e.passes {
		p.machine.Close()
		delete(e.passes, k)
	}
}
