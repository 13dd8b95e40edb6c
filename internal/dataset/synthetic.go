package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// NewSynthetic draws n samples from classes Gaussian clusters in dim
// dimensions. Sample i belongs to class i mod classes. Cluster centres are
// random unit vectors scaled by 3 and the noise is isotropic with σ = 1, so
// the classes are separable but overlap a little.
func NewSynthetic(n, dim, classes int, seed int64) (*Memory, error) {
	if n <= 0 || dim <= 0 || classes <= 0 {
		return nil, fmt.Errorf("dataset: synthetic sizes must be positive, got n=%d dim=%d classes=%d", n, dim, classes)
	}
	rng := rand.New(rand.NewSource(seed))
	centres := make([][]float64, classes)
	for c := range centres {
		v := make([]float64, dim)
		var norm float64
		for i := range v {
			v[i] = rng.NormFloat64()
			norm += v[i] * v[i]
		}
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] *= 3 / norm
		}
		centres[c] = v
	}

	data := make([]float64, n*dim)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % classes
		labels[i] = c
		for j := 0; j < dim; j++ {
			data[i*dim+j] = centres[c][j] + rng.NormFloat64()
		}
	}
	return NewMemory(data, labels, dim, classes)
}

// NewSyntheticSplit draws train+test samples from the same clusters and
// splits them into two datasets.
func NewSyntheticSplit(train, test, dim, classes int, seed int64) (*Memory, *Memory, error) {
	if train <= 0 || test <= 0 {
		return nil, nil, fmt.Errorf("dataset: split sizes must be positive, got %d and %d", train, test)
	}
	all, err := NewSynthetic(train+test, dim, classes, seed)
	if err != nil {
		return nil, nil, err
	}
	tr, err := NewMemory(all.data[:train*dim], all.labels[:train], dim, classes)
	if err != nil {
		return nil, nil, err
	}
	te, err := NewMemory(all.data[train*dim:], all.labels[train:], dim, classes)
	if err != nil {
		return nil, nil, err
	}
	return tr, te, nil
}

// Jitter returns a Transform adding N(0, σ²) noise to every feature.
func Jitter(sigma float64) Transform {
	return func(x []float64, rng *rand.Rand) []float64 {
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = v + sigma*rng.NormFloat64()
		}
		return out
	}
}
