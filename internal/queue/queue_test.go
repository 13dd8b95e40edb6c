package queue

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// batch builds an n×dim matrix whose row i is filled with start+i.
func batch(start, n, dim int) *tensor.Dense {
	data := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			data[i*dim+j] = float64(start + i)
		}
	}
	return tensor.New(tensor.WithShape(n, dim), tensor.WithBacking(data))
}

func firstColumn(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r[0]
	}
	return out
}

func TestWarmUpThenSteadyState(t *testing.T) {
	d, err := New(8, 3)
	require.NoError(t, err)

	type want struct {
		len, evicted int
		ready        bool
		rows         []float64
	}
	steps := []want{
		{len: 4, evicted: 0, ready: false, rows: []float64{0, 1, 2, 3}},
		{len: 8, evicted: 0, ready: true, rows: []float64{0, 1, 2, 3, 4, 5, 6, 7}},
		{len: 8, evicted: 4, ready: true, rows: []float64{4, 5, 6, 7, 8, 9, 10, 11}},
	}
	for i, w := range steps {
		require.NoError(t, d.Enqueue(batch(4*i, 4, 3)))
		assert.Equal(t, w.evicted, d.EvictToCapacity(), "step %d", i)
		assert.Equal(t, w.len, d.Len(), "step %d", i)
		assert.Equal(t, w.ready, d.Ready(), "step %d", i)
		if diff := cmp.Diff(w.rows, firstColumn(d.Rows())); diff != "" {
			t.Errorf("step %d rows (-want +got):\n%s", i, diff)
		}
	}
}

func TestReadinessIsMonotonic(t *testing.T) {
	d, err := New(5, 2)
	require.NoError(t, err)

	seenReady := false
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Enqueue(batch(i*3, 3, 2)))
		d.EvictToCapacity()
		assert.LessOrEqual(t, d.Len(), d.Capacity())
		if seenReady {
			assert.True(t, d.Ready(), "step %d", i)
		}
		seenReady = seenReady || d.Ready()
	}
	assert.True(t, seenReady)
}

func TestBatchLargerThanCapacityKeepsNewest(t *testing.T) {
	d, err := New(3, 1)
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(batch(10, 5, 1)))
	assert.Equal(t, 5, d.Len())
	assert.Equal(t, 2, d.EvictToCapacity())
	assert.Equal(t, []float64{12, 13, 14}, firstColumn(d.Rows()))
}

func TestEnqueueCopiesRows(t *testing.T) {
	d, err := New(4, 2)
	require.NoError(t, err)

	b := batch(1, 2, 2)
	require.NoError(t, d.Enqueue(b))
	b.Data().([]float64)[0] = 99

	assert.Equal(t, [][]float64{{1, 1}, {2, 2}}, d.Rows())
}

func TestMemoryIsColumnPerEntry(t *testing.T) {
	d, err := New(3, 2)
	require.NoError(t, err)
	assert.Nil(t, d.Memory())

	rows := tensor.New(tensor.WithShape(3, 2), tensor.WithBacking([]float64{
		1, 2,
		3, 4,
		5, 6,
	}))
	require.NoError(t, d.Enqueue(rows))

	m := d.Memory()
	assert.Equal(t, tensor.Shape{2, 3}, m.Shape())
	assert.Equal(t, []float64{1, 3, 5, 2, 4, 6}, m.Data())
	assert.Same(t, m, d.Memory(), "unchanged dictionary reuses the matrix")

	v := d.Version()
	require.NoError(t, d.Enqueue(batch(7, 1, 2)))
	assert.Greater(t, d.Version(), v)
	d.EvictToCapacity()
	assert.Equal(t, []float64{3, 5, 7, 4, 6, 7}, d.Memory().Data())
}

func TestErrors(t *testing.T) {
	_, err := New(0, 4)
	require.Error(t, err)
	_, err = New(4, 0)
	require.Error(t, err)

	d, err := New(4, 3)
	require.NoError(t, err)
	require.ErrorIs(t, d.Enqueue(batch(0, 2, 4)), ErrDim)
	assert.Zero(t, d.Len())
	assert.Zero(t, d.Version())
}
