// Package shuffle implements the batch permutation used for shuffled batch
// normalisation: the key view is reordered before the key encoder and the
// resulting embeddings are restored to batch order afterwards, so batch
// statistics of the key pass never line up with those of the query pass.
package shuffle

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Permutation is a bijection on {0..N-1} and its inverse.
//
// Forward[Inverse[i]] == i and Inverse[Forward[i]] == i for every i.
type Permutation struct {
	Forward []int
	Inverse []int
}

// New draws a uniform permutation of n indices from rng.
func New(n int, rng *rand.Rand) Permutation {
	fwd := rng.Perm(n)
	inv := make([]int, n)
	for i, j := range fwd {
		inv[j] = i
	}
	return Permutation{Forward: fwd, Inverse: inv}
}

// Len is the batch size the permutation applies to.
func (p Permutation) Len() int { return len(p.Forward) }

// Shuffle returns a new batch whose row i is row Forward[i] of x.
func (p Permutation) Shuffle(x *tensor.Dense) (*tensor.Dense, error) {
	return gatherRows(x, p.Forward)
}

// Unshuffle returns a new batch whose row i is row Inverse[i] of y.
// Unshuffle(Shuffle(x)) == x.
func (p Permutation) Unshuffle(y *tensor.Dense) (*tensor.Dense, error) {
	return gatherRows(y, p.Inverse)
}

func gatherRows(x *tensor.Dense, idx []int) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("shuffle: want a 2-d batch, got shape %v", shape)
	}
	rows, cols := shape[0], shape[1]
	if rows != len(idx) {
		return nil, fmt.Errorf("shuffle: batch has %d rows, permutation has %d", rows, len(idx))
	}
	src, ok := x.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("shuffle: want float64 batch, got %v", x.Dtype())
	}
	dst := make([]float64, len(src))
	for i, j := range idx {
		copy(dst[i*cols:(i+1)*cols], src[j*cols:(j+1)*cols])
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(dst)), nil
}
