// Package optim provides the query-encoder optimizer and its learning-rate
// schedule.
package optim

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay, following the PyTorch update rule:
//
//	g ← ∇ + λ·θ
//	v ← μ·v + g   (v = g on the first step)
//	θ ← θ − η·v
//
// Unlike the gorgonia solvers its learning rate can change between steps.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64

	velocity map[*tensor.Dense][]float64
}

// NewSGD creates the optimizer.
func NewSGD(lr, momentum, weightDecay float64) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be positive, got %g", lr)
	}
	if momentum < 0 || weightDecay < 0 {
		return nil, fmt.Errorf("optim: momentum and weight decay must be non-negative")
	}
	return &SGD{
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[*tensor.Dense][]float64),
	}, nil
}

// LearnRate is the current learning rate.
func (s *SGD) LearnRate() float64 { return s.lr }

// SetLearnRate changes the learning rate used by later steps.
func (s *SGD) SetLearnRate(lr float64) { s.lr = lr }

// Step applies one update to every value in place and is a gorgonia.Solver.
func (s *SGD) Step(model []gorgonia.ValueGrad) error {
	for _, vg := range model {
		w, ok := vg.Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("optim: want *tensor.Dense value, got %T", vg.Value())
		}
		gv, err := vg.Grad()
		if err != nil {
			return fmt.Errorf("optim: %w", err)
		}
		theta, ok := w.Data().([]float64)
		if !ok {
			return fmt.Errorf("optim: want float64 params, got %T", w.Data())
		}
		grad, ok := gv.Data().([]float64)
		if !ok || len(grad) != len(theta) {
			return fmt.Errorf("optim: gradient does not match a %v param", w.Shape())
		}

		g := append([]float64(nil), grad...)
		if s.weightDecay != 0 {
			floats.AddScaled(g, s.weightDecay, theta)
		}
		if s.momentum != 0 {
			v, seen := s.velocity[w]
			if !seen {
				v = g
			} else {
				floats.Scale(s.momentum, v)
				floats.Add(v, g)
			}
			s.velocity[w] = v
			g = v
		}
		floats.AddScaled(theta, -s.lr, g)
	}
	return nil
}

var _ gorgonia.Solver = (*SGD)(nil)
