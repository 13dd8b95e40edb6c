// Package contrast builds the InfoNCE objective: each query is scored
// against its positive key and every dictionary entry, and the positive must
// win a (1+C)-way classification at temperature τ.
package contrast

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrShape is returned for mismatched query, key or dictionary shapes.
var ErrShape = errors.New("contrast: shape mismatch")

// Loss is the loss subgraph attached to a query node. Keys and Memory are
// plain inputs; no gradient reaches them.
type Loss struct {
	// Cost is the scalar mean cross entropy.
	Cost *gorgonia.Node
	// Keys is the positive key batch, N×D.
	Keys *gorgonia.Node
	// Memory is the dictionary, D×C, one entry per column.
	Memory *gorgonia.Node

	n, d, c int
	value   gorgonia.Value
}

// Build adds the loss of q (N×D) against c negatives to q's graph.
func Build(q *gorgonia.Node, c int, tau float64) (*Loss, error) {
	if tau <= 0 || math.IsNaN(tau) {
		return nil, fmt.Errorf("contrast: temperature must be positive, got %g", tau)
	}
	if c <= 0 {
		return nil, fmt.Errorf("contrast: need at least one negative, got %d", c)
	}
	shape := q.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: query must be N×D, got %v", ErrShape, shape)
	}
	n, d := shape[0], shape[1]
	g := q.Graph()
	l := &Loss{
		n: n, d: d, c: c,
		Keys:   gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(n, d), gorgonia.WithName(fmt.Sprintf("contrast.keys_%d", n))),
		Memory: gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(d, c), gorgonia.WithName(fmt.Sprintf("contrast.memory_%d", c))),
	}

	prod, err := gorgonia.HadamardProd(q, l.Keys)
	if err != nil {
		return nil, err
	}
	pos, err := gorgonia.Sum(prod, 1)
	if err != nil {
		return nil, err
	}
	if pos, err = gorgonia.Reshape(pos, tensor.Shape{n, 1}); err != nil {
		return nil, err
	}
	neg, err := gorgonia.Mul(q, l.Memory)
	if err != nil {
		return nil, err
	}
	logits, err := gorgonia.Concat(1, pos, neg)
	if err != nil {
		return nil, err
	}
	invTau := gorgonia.NodeFromAny(g, 1/tau, gorgonia.WithName("contrast.inv_tau"))
	scaled, err := gorgonia.Mul(logits, invTau)
	if err != nil {
		return nil, err
	}

	// Log-sum-exp with the row maximum factored out.
	rowMax, err := gorgonia.Max(scaled, 1)
	if err != nil {
		return nil, err
	}
	if rowMax, err = gorgonia.Reshape(rowMax, tensor.Shape{n, 1}); err != nil {
		return nil, err
	}
	shifted, err := gorgonia.BroadcastSub(scaled, rowMax, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, err
	}
	lse, err := gorgonia.Log(total)
	if err != nil {
		return nil, err
	}
	target, err := gorgonia.Slice(shifted, nil, gorgonia.S(0))
	if err != nil {
		return nil, err
	}
	perRow, err := gorgonia.Sub(lse, target)
	if err != nil {
		return nil, err
	}
	if l.Cost, err = gorgonia.Mean(perRow); err != nil {
		return nil, err
	}
	gorgonia.Read(l.Cost, &l.value)
	return l, nil
}

// Bind sets the key batch and dictionary for the next run.
func (l *Loss) Bind(keys, memory *tensor.Dense) error {
	if s := keys.Shape(); len(s) != 2 || s[0] != l.n || s[1] != l.d {
		return fmt.Errorf("%w: keys %v, want (%d, %d)", ErrShape, s, l.n, l.d)
	}
	if memory == nil {
		return fmt.Errorf("%w: empty dictionary", ErrShape)
	}
	if s := memory.Shape(); len(s) != 2 || s[0] != l.d || s[1] != l.c {
		return fmt.Errorf("%w: dictionary %v, want (%d, %d)", ErrShape, s, l.d, l.c)
	}
	if err := gorgonia.Let(l.Keys, keys); err != nil {
		return err
	}
	return gorgonia.Let(l.Memory, memory)
}

// Value is the loss of the last run.
func (l *Loss) Value() (float64, error) {
	if l.value == nil {
		return 0, errors.New("contrast: loss not computed")
	}
	v, ok := l.value.Data().(float64)
	if !ok {
		return 0, fmt.Errorf("contrast: loss is %T", l.value.Data())
	}
	return v, nil
}

// Compute evaluates the loss for fixed values without building gradients.
// q and k are N×D, memory is D×C.
func Compute(q, k, memory *tensor.Dense, tau float64) (float64, error) {
	qs := q.Shape()
	if len(qs) != 2 {
		return 0, fmt.Errorf("%w: query %v", ErrShape, qs)
	}
	if memory == nil || len(memory.Shape()) != 2 {
		return 0, fmt.Errorf("%w: dictionary must be D×C", ErrShape)
	}
	g := gorgonia.NewGraph()
	qn := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(qs...), gorgonia.WithName("contrast.query"))
	l, err := Build(qn, memory.Shape()[1], tau)
	if err != nil {
		return 0, err
	}
	if err := l.Bind(k, memory); err != nil {
		return 0, err
	}
	if err := gorgonia.Let(qn, q); err != nil {
		return 0, err
	}
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, fmt.Errorf("contrast: %w", err)
	}
	return l.Value()
}
