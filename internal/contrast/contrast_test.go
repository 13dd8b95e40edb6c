package contrast

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func dense(rows, cols int, data ...float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func unit(angle float64) []float64 { return []float64{math.Cos(angle), math.Sin(angle)} }

// reference is the textbook cross entropy with target 0.
func reference(q, k [][]float64, mem [][]float64, tau float64) float64 {
	dot := func(a, b []float64) float64 {
		var s float64
		for i := range a {
			s += a[i] * b[i]
		}
		return s
	}
	var total float64
	for i := range q {
		logits := []float64{dot(q[i], k[i]) / tau}
		for _, m := range mem {
			logits = append(logits, dot(q[i], m)/tau)
		}
		var z float64
		for _, l := range logits {
			z += math.Exp(l)
		}
		total += -math.Log(math.Exp(logits[0]) / z)
	}
	return total / float64(len(q))
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

// columns lays the entries out as a D×C matrix.
func columns(entries [][]float64) *tensor.Dense {
	d, c := len(entries[0]), len(entries)
	data := make([]float64, d*c)
	for j, e := range entries {
		for i, v := range e {
			data[i*c+j] = v
		}
	}
	return dense(d, c, data...)
}

func TestMatchesHandComputedLoss(t *testing.T) {
	q := [][]float64{unit(0), unit(0.5), unit(1.5), unit(3)}
	k := [][]float64{unit(0.1), unit(0.4), unit(2), unit(-3)}
	var mem [][]float64
	for j := 0; j < 8; j++ {
		mem = append(mem, unit(float64(j)*math.Pi/4))
	}

	got, err := Compute(dense(4, 2, flatten(q)...), dense(4, 2, flatten(k)...), columns(mem), 0.1)
	require.NoError(t, err)
	assert.InDelta(t, reference(q, k, mem, 0.1), got, 1e-9)
}

func TestDominantPositiveGivesZeroLoss(t *testing.T) {
	q := [][]float64{unit(0), unit(1)}
	mem := [][]float64{unit(math.Pi), unit(1 + math.Pi), unit(math.Pi / 2 * 3)}

	got, err := Compute(dense(2, 2, flatten(q)...), dense(2, 2, flatten(q)...), columns(mem), 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 0, got, 1e-12)
}

func TestLargeNormDominantPositive(t *testing.T) {
	q := [][]float64{{10, 0}, {0, 10}}
	mem := [][]float64{{0, 1}, {0, -1}, {-1, 0}}

	got, err := Compute(dense(2, 2, flatten(q)...), dense(2, 2, flatten(q)...), columns(mem), 0.07)
	require.NoError(t, err)
	assert.False(t, math.IsInf(got, 0) || math.IsNaN(got), "loss %v", got)
	assert.InDelta(t, 0, got, 1e-12)
}

func TestTinyTemperatureStaysFinite(t *testing.T) {
	q := [][]float64{{1, 0}, {1, 0}}
	k := [][]float64{{-1, 0}, {-1, 0}}
	mem := [][]float64{{-1, 0}, {-1, 0}}

	got, err := Compute(dense(2, 2, flatten(q)...), dense(2, 2, flatten(k)...), columns(mem), 0.001)
	require.NoError(t, err)
	// Every logit is -1/τ = -1000, so exp of it underflows without a shift.
	assert.InDelta(t, math.Log(3), got, 1e-9)
}

func TestEqualLogitsGiveLogOfClassCount(t *testing.T) {
	const c = 8
	q := [][]float64{unit(0.3), unit(0.3)}
	var mem [][]float64
	for j := 0; j < c; j++ {
		mem = append(mem, unit(0.3))
	}

	got, err := Compute(dense(2, 2, flatten(q)...), dense(2, 2, flatten(q)...), columns(mem), 0.07)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(1+c), got, 1e-9)
}

func TestGradientReachesQueryOnly(t *testing.T) {
	g := gorgonia.NewGraph()
	q := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(2, 2), gorgonia.WithName("q"))
	l, err := Build(q, 3, 0.5)
	require.NoError(t, err)

	grads, err := gorgonia.Grad(l.Cost, q)
	require.NoError(t, err)
	require.Len(t, grads, 1)

	require.NoError(t, gorgonia.Let(q, dense(2, 2, 1, 0, 0, 1)))
	require.NoError(t, l.Bind(dense(2, 2, 1, 0, 0, 1), columns([][]float64{unit(2), unit(3), unit(4)})))
	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(q))
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	v, err := l.Value()
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)
	qg, err := q.Grad()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, qg.Shape())

	_, err = l.Keys.Grad()
	assert.Error(t, err, "keys carry no gradient")
}

func TestRejectsBadInputs(t *testing.T) {
	q := dense(2, 2, 1, 0, 0, 1)
	mem := columns([][]float64{unit(0), unit(1)})

	_, err := Compute(q, q, mem, 0)
	require.Error(t, err)
	_, err = Compute(q, q, mem, -1)
	require.Error(t, err)

	_, err = Compute(q, dense(2, 3, 1, 0, 0, 0, 1, 0), mem, 0.1)
	require.ErrorIs(t, err, ErrShape)

	_, err = Compute(q, q, dense(3, 2, 1, 0, 0, 1, 0, 0), 0.1)
	require.ErrorIs(t, err, ErrShape)

	_, err = Compute(q, q, nil, 0.1)
	require.ErrorIs(t, err, ErrShape)
}
