package optim

import "fmt"

// RateSetter is an optimizer whose learning rate can be changed.
type RateSetter interface {
	SetLearnRate(lr float64)
}

// MultiStep multiplies the base learning rate by gamma once for every
// milestone epoch passed.
type MultiStep struct {
	opt        RateSetter
	base       float64
	milestones []int
	gamma      float64
}

// NewMultiStep creates the schedule and sets opt to the base rate.
func NewMultiStep(opt RateSetter, base float64, milestones []int, gamma float64) (*MultiStep, error) {
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("optim: gamma must be in (0, 1], got %g", gamma)
	}
	for i := 1; i < len(milestones); i++ {
		if milestones[i] < milestones[i-1] {
			return nil, fmt.Errorf("optim: milestones must be non-decreasing, got %v", milestones)
		}
	}
	m := &MultiStep{opt: opt, base: base, milestones: append([]int(nil), milestones...), gamma: gamma}
	opt.SetLearnRate(base)
	return m, nil
}

// LR is the rate in effect after Step(epoch).
func (m *MultiStep) LR(epoch int) float64 {
	lr := m.base
	for _, ms := range m.milestones {
		if epoch >= ms {
			lr *= m.gamma
		}
	}
	return lr
}

// Step applies the rate for the epoch that just finished and returns it.
func (m *MultiStep) Step(epoch int) float64 {
	lr := m.LR(epoch)
	m.opt.SetLearnRate(lr)
	return lr
}
