package encoder

import (
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// projectionHead maps the last hidden representation to the embedding space
// and L2-normalises every row.
type projectionHead struct {
	linear *Param // (in, features)
	bias   *Param // (1, features)
}

// The bias starts at U(±1/√in) so a row whose hidden units are all zero
// still maps to a non-zero vector.
func newProjectionHead(rng *rand.Rand, in, features int) *projectionHead {
	return &projectionHead{
		linear: newParam("head.weight", in, features, glorot(rng, in, features), true, false),
		bias:   newParam("head.bias", 1, features, uniform(rng, features, 1/math.Sqrt(float64(in))), true, false),
	}
}

func (h *projectionHead) params() []*Param {
	return []*Param{h.linear, h.bias}
}

func (h *projectionHead) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	n := x.Shape()[0]

	z, err := gorgonia.Mul(x, b.bind(h.linear))
	if err != nil {
		return nil, err
	}
	// Broadcast Add Bias: (1, D) over (N, D).
	z, err = gorgonia.BroadcastAdd(z, b.bind(h.bias), nil, []byte{0})
	if err != nil {
		return nil, err
	}

	sq, err := gorgonia.Square(z)
	if err != nil {
		return nil, err
	}
	ss, err := gorgonia.Sum(sq, 1)
	if err != nil {
		return nil, err
	}
	eps := gorgonia.NodeFromAny(b.g, 1e-12, gorgonia.WithName(b.prefix+"head.eps"))
	ss, err = gorgonia.Add(ss, eps)
	if err != nil {
		return nil, err
	}
	norm, err := gorgonia.Sqrt(ss)
	if err != nil {
		return nil, err
	}
	norm, err = gorgonia.Reshape(norm, tensor.Shape{n, 1})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastHadamardDiv(z, norm, nil, []byte{1})
}
