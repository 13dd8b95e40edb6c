package encoder

import (
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is one named, individually addressable piece of encoder state.
// Value is shared by every graph compiled from the encoder, so in-place
// updates (optimizer, momentum) are seen by the next forward pass.
type Param struct {
	Name  string
	Value *tensor.Dense

	// Trainable is false for batch-norm running statistics and for every
	// param of a frozen encoder.
	Trainable bool

	buffer bool
}

// Buffer reports whether p is a running statistic rather than a weight.
func (p *Param) Buffer() bool { return p.buffer }

// Data returns the backing slice of the value.
func (p *Param) Data() []float64 {
	return p.Value.Data().([]float64)
}

// node binds p into g as an input node carrying the shared value.
func (p *Param) node(g *gorgonia.ExprGraph, prefix string) *gorgonia.Node {
	s := p.Value.Shape()
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(s[0], s[1]),
		gorgonia.WithName(prefix+p.Name),
		gorgonia.WithValue(p.Value))
}

func newParam(name string, rows, cols int, data []float64, trainable, buffer bool) *Param {
	return &Param{
		Name:      name,
		Value:     tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data)),
		Trainable: trainable,
		buffer:    buffer,
	}
}

// glorot draws a rows×cols weight matrix from the Glorot uniform
// distribution, U(±gain·√(6/(rows+cols))) with gain 1, the bound gorgonia's
// GlorotU uses.
func glorot(rng *rand.Rand, rows, cols int) []float64 {
	return uniform(rng, rows*cols, math.Sqrt(6/float64(rows+cols)))
}

// uniform draws n values from U(-limit, limit).
func uniform(rng *rand.Rand, n int, limit float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (2*rng.Float64() - 1) * limit
	}
	return out
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
