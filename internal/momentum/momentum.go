// Package momentum keeps the key encoder an exponential moving average of
// the query encoder. The update is a plain in-place numeric operation on
// parameter values; no gradient is ever attached to it.
package momentum

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"moco/internal/encoder"
)

// ErrMismatch is returned when the two parameter sets do not correspond
// one-to-one by name and shape.
var ErrMismatch = errors.New("momentum: parameter sets do not match")

// Parameterized is anything exposing an ordered parameter set.
type Parameterized interface {
	Params() []*encoder.Param
}

// Update sets θ_k ← β·θ_k + (1−β)·θ_q for every parameter and buffer of key,
// taking the matching entry of query. β must lie in [0, 1]. β = 0 copies
// query exactly and β = 1 leaves key untouched. Nothing is modified when the
// sets do not match.
func Update(key, query Parameterized, beta float64) error {
	if beta < 0 || beta > 1 {
		return fmt.Errorf("momentum: beta must be in [0, 1], got %g", beta)
	}
	kp, qp := key.Params(), query.Params()
	if err := check(kp, qp); err != nil {
		return err
	}
	if beta == 1 {
		return nil
	}
	for i := range kp {
		dst, src := kp[i].Data(), qp[i].Data()
		if beta == 0 {
			copy(dst, src)
			continue
		}
		floats.Scale(beta, dst)
		floats.AddScaled(dst, 1-beta, src)
	}
	return nil
}

func check(kp, qp []*encoder.Param) error {
	if len(kp) != len(qp) {
		return fmt.Errorf("%w: %d key params, %d query params", ErrMismatch, len(kp), len(qp))
	}
	for i := range kp {
		if kp[i].Name != qp[i].Name {
			return fmt.Errorf("%w: param %d is %q in key, %q in query", ErrMismatch, i, kp[i].Name, qp[i].Name)
		}
		ks, qs := kp[i].Value.Shape(), qp[i].Value.Shape()
		if !slices.Equal(ks, qs) {
			return fmt.Errorf("%w: %s has shape %v in key, %v in query", ErrMismatch, kp[i].Name, ks, qs)
		}
	}
	return nil
}
