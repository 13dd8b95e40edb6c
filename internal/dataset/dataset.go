// Package dataset provides the labelled collections the trainer and the kNN
// evaluator consume, their per-sample transforms, and a prefetching batch
// loader.
package dataset

import (
	"fmt"
	"math/rand"
)

// Dataset is an indexable, labelled collection of fixed-width samples.
type Dataset interface {
	Len() int
	// Dim is the sample width.
	Dim() int
	// Classes is the number of distinct labels; labels are in [0, Classes).
	Classes() int
	// Sample returns the raw features and label of item i. The slice must
	// not be modified.
	Sample(i int) ([]float64, int)
}

// Transform maps raw features to model input. It may draw from rng and must
// not modify x.
type Transform func(x []float64, rng *rand.Rand) []float64

// Identity returns a copy of x.
func Identity(x []float64, _ *rand.Rand) []float64 {
	return append([]float64(nil), x...)
}

// Labels returns every label of ds in index order.
func Labels(ds Dataset) []int {
	out := make([]int, ds.Len())
	for i := range out {
		_, out[i] = ds.Sample(i)
	}
	return out
}

// Memory is an in-memory Dataset over a flat row-major feature slice.
type Memory struct {
	data    []float64
	labels  []int
	dim     int
	classes int
}

// NewMemory wraps data (len(labels)×dim). classes ≤ 0 derives the class
// count from the largest label.
func NewMemory(data []float64, labels []int, dim, classes int) (*Memory, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dataset: dim must be positive, got %d", dim)
	}
	if len(data) != len(labels)*dim {
		return nil, fmt.Errorf("dataset: %d values for %d samples of width %d", len(data), len(labels), dim)
	}
	maxLabel := -1
	for i, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("dataset: sample %d has negative label %d", i, l)
		}
		maxLabel = max(maxLabel, l)
	}
	if classes <= 0 {
		classes = maxLabel + 1
	} else if maxLabel >= classes {
		return nil, fmt.Errorf("dataset: label %d outside %d classes", maxLabel, classes)
	}
	return &Memory{data: data, labels: labels, dim: dim, classes: classes}, nil
}

func (m *Memory) Len() int     { return len(m.labels) }
func (m *Memory) Dim() int     { return m.dim }
func (m *Memory) Classes() int { return m.classes }

func (m *Memory) Sample(i int) ([]float64, int) {
	return m.data[i*m.dim : (i+1)*m.dim], m.labels[i]
}
