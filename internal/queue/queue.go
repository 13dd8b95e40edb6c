// Package queue holds the dictionary of negative keys: a FIFO of detached
// embedding rows with a fixed target capacity.
package queue

import (
	"errors"
	"fmt"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"gorgonia.org/tensor"
)

// ErrDim is returned when an enqueued batch has the wrong embedding width.
var ErrDim = errors.New("queue: embedding dimension mismatch")

// entry is one stored key, held by pointer since the queue needs a
// comparable element type.
type entry struct {
	vec []float64
}

// Dictionary is a FIFO of embedding rows. Between Enqueue and
// EvictToCapacity it may transiently hold more than Capacity entries.
// A Dictionary is not safe for concurrent use.
type Dictionary struct {
	items    *linkedlistqueue.Queue[*entry]
	capacity int
	dim      int
	version  uint64

	memo        *tensor.Dense
	memoVersion uint64
}

// New creates an empty dictionary of the given capacity C and width D.
func New(capacity, dim int) (*Dictionary, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("queue: dim must be positive, got %d", dim)
	}
	return &Dictionary{
		items:    linkedlistqueue.New[*entry](),
		capacity: capacity,
		dim:      dim,
	}, nil
}

// Capacity is C.
func (d *Dictionary) Capacity() int { return d.capacity }

// Dim is D.
func (d *Dictionary) Dim() int { return d.dim }

// Len is the current number of entries.
func (d *Dictionary) Len() int { return d.items.Size() }

// Ready reports whether the dictionary holds at least Capacity entries.
// Once true it stays true.
func (d *Dictionary) Ready() bool { return d.items.Size() >= d.capacity }

// Version changes on every mutation.
func (d *Dictionary) Version() uint64 { return d.version }

// Enqueue copies every row of batch (N×D) to the tail, in row order.
func (d *Dictionary) Enqueue(batch *tensor.Dense) error {
	shape := batch.Shape()
	if len(shape) != 2 {
		return fmt.Errorf("%w: want a matrix, got shape %v", ErrDim, shape)
	}
	if shape[1] != d.dim {
		return fmt.Errorf("%w: want %d columns, got %d", ErrDim, d.dim, shape[1])
	}
	data, ok := batch.Data().([]float64)
	if !ok {
		return fmt.Errorf("queue: want float64 data, got %T", batch.Data())
	}
	if len(data) < shape[0]*shape[1] {
		return fmt.Errorf("queue: batch backing holds %d values, want %d", len(data), shape[0]*shape[1])
	}
	for i := 0; i < shape[0]; i++ {
		vec := make([]float64, d.dim)
		copy(vec, data[i*d.dim:(i+1)*d.dim])
		d.items.Enqueue(&entry{vec: vec})
	}
	if shape[0] > 0 {
		d.version++
	}
	return nil
}

// EvictToCapacity drops the oldest entries until Len() <= Capacity() and
// returns how many were dropped.
func (d *Dictionary) EvictToCapacity() int {
	n := 0
	for d.items.Size() > d.capacity {
		d.items.Dequeue()
		n++
	}
	if n > 0 {
		d.version++
	}
	return n
}

// Rows returns copies of every entry, oldest first.
func (d *Dictionary) Rows() [][]float64 {
	out := make([][]float64, 0, d.items.Size())
	for _, e := range d.items.Values() {
		out = append(out, append([]float64(nil), e.vec...))
	}
	return out
}

// Memory returns the entries as a D×Len matrix, oldest first in column
// order, or nil when empty. The matrix is rebuilt only after a mutation;
// callers must not modify it.
func (d *Dictionary) Memory() *tensor.Dense {
	if d.items.Empty() {
		return nil
	}
	if d.memo != nil && d.memoVersion == d.version && d.memo.Shape()[1] == d.items.Size() {
		return d.memo
	}
	n := d.items.Size()
	data := make([]float64, d.dim*n)
	for j, e := range d.items.Values() {
		for i, v := range e.vec {
			data[i*n+j] = v
		}
	}
	d.memo = tensor.New(tensor.WithShape(d.dim, n), tensor.WithBacking(data))
	d.memoVersion = d.version
	return d.memo
}
