// Package eval scores an encoder with an unweighted k-nearest-neighbour
// vote: test embeddings are matched against a memory bank of training
// embeddings by inner product and the labels of the K most similar
// entries are counted.
package eval

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"moco/internal/dataset"
)

// DefaultK is the neighbourhood size used when none is given.
const DefaultK = 200

// Forwarder embeds a batch without tracking gradients, in inference mode.
type Forwarder interface {
	Embed(x *tensor.Dense) (*tensor.Dense, error)
}

// Batches is a source of labelled batches.
type Batches interface {
	Each(ctx context.Context, fn func(dataset.Batch) error) error
}

// MemoryBank holds R training embeddings (one per row) and their labels.
type MemoryBank struct {
	features *mat.Dense
	labels   []int
	classes  int
}

// BuildMemoryBank embeds every batch of src. classes is the label count of
// the training set.
func BuildMemoryBank(ctx context.Context, f Forwarder, src Batches, classes int) (*MemoryBank, error) {
	var data []float64
	var labels []int
	dim := 0
	err := src.Each(ctx, func(b dataset.Batch) error {
		y, err := f.Embed(b.X)
		if err != nil {
			return err
		}
		if dim == 0 {
			dim = y.Shape()[1]
		}
		data = append(data, y.Data().([]float64)...)
		labels = append(labels, b.Labels...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eval: memory bank: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("eval: empty memory bank")
	}
	return &MemoryBank{
		features: mat.NewDense(len(labels), dim, data),
		labels:   labels,
		classes:  classes,
	}, nil
}

// Len is R.
func (m *MemoryBank) Len() int { return len(m.labels) }

// Result is the accuracy of one evaluation pass, in percent.
type Result struct {
	Top1 float64
	Top5 float64
	// Top5Valid is false when there are fewer than 5 classes.
	Top5Valid bool
	N         int
}

// Score classifies every test batch with a k-nearest-neighbour vote.
// k ≤ 0 means DefaultK; k is capped at the bank size.
func (m *MemoryBank) Score(ctx context.Context, f Forwarder, test Batches, k int) (Result, error) {
	if k <= 0 {
		k = DefaultK
	}
	k = min(k, m.Len())
	var hit1, hit5, n int
	classes := m.classes

	err := test.Each(ctx, func(b dataset.Batch) error {
		y, err := f.Embed(b.X)
		if err != nil {
			return err
		}
		s := y.Shape()
		if s[1] != m.features.RawMatrix().Cols {
			return fmt.Errorf("embedding width %d, memory bank width %d", s[1], m.features.RawMatrix().Cols)
		}
		q := mat.NewDense(s[0], s[1], y.Data().([]float64))
		var sim mat.Dense
		sim.Mul(q, m.features.T())

		for i, label := range b.Labels {
			classes = max(classes, label+1)
			ranked := m.vote(sim.RawRowView(i), k, classes)
			if ranked[0] == label {
				hit1++
			}
			for _, c := range ranked[:min(5, len(ranked))] {
				if c == label {
					hit5++
					break
				}
			}
			n++
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("eval: %w", err)
	}
	if n == 0 {
		return Result{}, fmt.Errorf("eval: empty test set")
	}
	return Result{
		Top1:      float64(hit1) / float64(n) * 100,
		Top5:      float64(hit5) / float64(n) * 100,
		Top5Valid: classes >= 5,
		N:         n,
	}, nil
}

// vote ranks the classes by how often they occur among the k most similar
// bank entries, most frequent first, ties broken by lower class index.
func (m *MemoryBank) vote(sim []float64, k, classes int) []int {
	neg := make([]float64, len(sim))
	for i, v := range sim {
		neg[i] = -v
	}
	idx := make([]int, len(neg))
	floats.ArgsortStable(neg, idx)

	counts := make([]int, classes)
	for _, j := range idx[:k] {
		if l := m.labels[j]; l < classes {
			counts[l]++
		}
	}
	ranked := make([]int, classes)
	for c := range ranked {
		ranked[c] = c
	}
	sort.SliceStable(ranked, func(a, b int) bool { return counts[ranked[a]] > counts[ranked[b]] })
	return ranked
}
