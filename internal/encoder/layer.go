package encoder

import (
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// hiddenLayer is Linear (no bias) -> BatchNorm -> ReLU.
type hiddenLayer struct {
	index   int
	weight  *Param // (in, out)
	gamma   *Param // (1, out)
	beta    *Param // (1, out)
	runMean *Param // (1, out)
	runVar  *Param // (1, out)
}

func newHiddenLayer(rng *rand.Rand, index, in, out int) *hiddenLayer {
	w := glorot(rng, in, out)
	p := func(kind string) string { return fmt.Sprintf("layer%d.%s", index, kind) }
	return &hiddenLayer{
		index:   index,
		weight:  newParam(p("weight"), in, out, w, true, false),
		gamma:   newParam(p("bn.gamma"), 1, out, filled(out, 1), true, false),
		beta:    newParam(p("bn.beta"), 1, out, filled(out, 0), true, false),
		runMean: newParam(p("bn.running_mean"), 1, out, filled(out, 0), false, true),
		runVar:  newParam(p("bn.running_var"), 1, out, filled(out, 1), false, true),
	}
}

func (l *hiddenLayer) params() []*Param {
	return []*Param{l.weight, l.gamma, l.beta, l.runMean, l.runVar}
}

func (l *hiddenLayer) width() int { return l.weight.Value.Shape()[1] }

// batchStats are the per-call batch mean and biased variance of a hidden
// layer, read back after the machine ran so running statistics can follow.
type batchStats struct {
	layer *hiddenLayer
	mean  *gorgonia.Value
	vari  *gorgonia.Value
}

// forward adds the layer to g. In Train mode normalisation uses the batch
// statistics of x, otherwise the running statistics.
func (l *hiddenLayer) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, *batchStats, error) {
	n := x.Shape()[0]
	out := l.width()

	w := b.bind(l.weight)
	gamma := b.bind(l.gamma)
	beta := b.bind(l.beta)

	h, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, nil, fmt.Errorf("layer%d: linear: %w", l.index, err)
	}

	var mean, vari *gorgonia.Node
	var stats *batchStats
	if b.mode == Train {
		if n < 2 {
			return nil, nil, fmt.Errorf("layer%d: batch norm in train mode needs at least 2 rows, got %d", l.index, n)
		}
		m, err := gorgonia.Mean(h, 0)
		if err != nil {
			return nil, nil, err
		}
		if mean, err = gorgonia.Reshape(m, tensor.Shape{1, out}); err != nil {
			return nil, nil, err
		}
		centered, err := gorgonia.BroadcastSub(h, mean, nil, []byte{0})
		if err != nil {
			return nil, nil, err
		}
		sq, err := gorgonia.Square(centered)
		if err != nil {
			return nil, nil, err
		}
		v, err := gorgonia.Mean(sq, 0)
		if err != nil {
			return nil, nil, err
		}
		if vari, err = gorgonia.Reshape(v, tensor.Shape{1, out}); err != nil {
			return nil, nil, err
		}
		stats = &batchStats{layer: l, mean: new(gorgonia.Value), vari: new(gorgonia.Value)}
		gorgonia.Read(mean, stats.mean)
		gorgonia.Read(vari, stats.vari)
	} else {
		mean = b.bind(l.runMean)
		vari = b.bind(l.runVar)
	}

	centered, err := gorgonia.BroadcastSub(h, mean, nil, []byte{0})
	if err != nil {
		return nil, nil, err
	}
	eps := gorgonia.NodeFromAny(b.g, b.eps, gorgonia.WithName(b.prefix+"bn.eps"))
	varEps, err := gorgonia.Add(vari, eps)
	if err != nil {
		return nil, nil, err
	}
	std, err := gorgonia.Sqrt(varEps)
	if err != nil {
		return nil, nil, err
	}
	norm, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{0})
	if err != nil {
		return nil, nil, err
	}
	scaled, err := gorgonia.BroadcastHadamardProd(norm, gamma, nil, []byte{0})
	if err != nil {
		return nil, nil, err
	}
	shifted, err := gorgonia.BroadcastAdd(scaled, beta, nil, []byte{0})
	if err != nil {
		return nil, nil, err
	}
	act, err := gorgonia.Rectify(shifted)
	if err != nil {
		return nil, nil, err
	}
	return act, stats, nil
}

// updateRunning folds one batch's statistics into the running estimates:
// running = (1-m)*running + m*batch, with the unbiased variance.
func (l *hiddenLayer) updateRunning(mean, vari []float64, n int, momentum float64) {
	rm := l.runMean.Data()
	rv := l.runVar.Data()
	correction := 1.0
	if n > 1 {
		correction = float64(n) / float64(n-1)
	}
	for i := range rm {
		rm[i] = (1-momentum)*rm[i] + momentum*mean[i]
		rv[i] = (1-momentum)*rv[i] + momentum*vari[i]*correction
	}
}
