package train

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gorgonia.org/tensor"

	"moco/internal/dataset"
	"moco/internal/encoder"
	"moco/internal/observe"
	"moco/internal/optim"
	"moco/internal/results"
)

var encCfg = encoder.Config{InputDim: 6, HiddenDims: []int{10}, FeaturesDim: 4, BNMomentum: 0.1}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTrainer(t *testing.T, c int, beta float64) *Trainer {
	t.Helper()
	q, err := encoder.New("query", encCfg, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	k, err := encoder.New("key", encCfg, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	opt, err := optim.NewSGD(0.05, 0.9, 1e-4)
	require.NoError(t, err)
	tr, err := New(q, k, opt, Config{DictionarySize: c, Temperature: 0.2, Momentum: beta, Seed: 1}, quiet(), nil)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func batch(rng *rand.Rand, n int) *tensor.Dense {
	data := make([]float64, n*encCfg.InputDim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(n, encCfg.InputDim), tensor.WithBacking(data))
}

func paramData(t *testing.T, e *encoder.Encoder, name string) []float64 {
	t.Helper()
	p, ok := e.Param(name)
	require.True(t, ok, name)
	return append([]float64(nil), p.Data()...)
}

func TestKeyStartsAsFrozenCopyOfQuery(t *testing.T) {
	tr := newTrainer(t, 8, 0.999)

	assert.True(t, tr.Key().Frozen())
	assert.Zero(t, tr.Key().TrainableCount())
	assert.NotZero(t, tr.Query().TrainableCount())
	for i, p := range tr.Key().Params() {
		assert.Equal(t, tr.Query().Params()[i].Data(), p.Data(), p.Name)
	}
	assert.Zero(t, tr.Dictionary().Len())
}

func TestNewRejects(t *testing.T) {
	q, err := encoder.New("query", encCfg, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	k, err := encoder.New("key", encoder.Config{InputDim: 6, FeaturesDim: 5}, nil)
	require.NoError(t, err)
	opt, err := optim.NewSGD(0.1, 0, 0)
	require.NoError(t, err)

	_, err = New(q, k, opt, Config{DictionarySize: 8, Temperature: 0.1, Momentum: 0.9}, nil, nil)
	require.Error(t, err)

	k2, err := encoder.New("key", encCfg, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	_, err = New(q, k2, opt, Config{DictionarySize: 8, Temperature: 0, Momentum: 0.9}, nil, nil)
	require.Error(t, err)
	_, err = New(q, k2, opt, Config{DictionarySize: 0, Temperature: 0.1, Momentum: 0.9}, nil, nil)
	require.Error(t, err)
}

func TestWarmUpThenTraining(t *testing.T) {
	const beta = 0.5
	tr := newTrainer(t, 8, beta)
	rng := rand.New(rand.NewSource(2))
	ctx := context.Background()

	q0 := paramData(t, tr.Query(), "head.weight")
	qMean0 := paramData(t, tr.Query(), "layer0.bn.running_mean")

	// Two warm-up steps fill the dictionary; no gradient step happens.
	for i, wantLen := range []int{4, 8} {
		res, err := tr.Step(ctx, batch(rng, 4))
		require.NoError(t, err)
		assert.False(t, res.Ready, "step %d", i)
		assert.Zero(t, res.Loss)
		assert.Zero(t, res.Evicted)
		assert.Equal(t, wantLen, res.DictLen)
		assert.Equal(t, q0, paramData(t, tr.Query(), "head.weight"))
		assert.Equal(t, q0, paramData(t, tr.Key(), "head.weight"))
	}
	assert.True(t, tr.Dictionary().Ready())
	assert.NotEqual(t, qMean0, paramData(t, tr.Query(), "layer0.bn.running_mean"),
		"warm-up forwards still advance batch-norm statistics")

	res, err := tr.Step(ctx, batch(rng, 4))
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Greater(t, res.Loss, 0.0)
	assert.False(t, math.IsInf(res.Loss, 0))
	assert.Equal(t, 4, res.Evicted)
	assert.Equal(t, 8, res.DictLen)
	assert.Equal(t, 3, tr.Steps())

	q1 := paramData(t, tr.Query(), "head.weight")
	assert.NotEqual(t, q0, q1, "query encoder was optimised")
	k1 := paramData(t, tr.Key(), "head.weight")
	for i := range k1 {
		assert.InDelta(t, beta*q0[i]+(1-beta)*q1[i], k1[i], 1e-12)
	}
}

func TestDictionaryStaysWithinCapacity(t *testing.T) {
	tr := newTrainer(t, 10, 0.99)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 12; i++ {
		res, err := tr.Step(context.Background(), batch(rng, 3+i%3))
		require.NoError(t, err)
		assert.LessOrEqual(t, res.DictLen, 10)
		assert.Equal(t, res.DictLen, tr.Dictionary().Len())
	}
	assert.Equal(t, 10, tr.Dictionary().Len())
}

func TestDivergenceIsFatal(t *testing.T) {
	tr := newTrainer(t, 4, 0.9)
	rng := rand.New(rand.NewSource(4))
	_, err := tr.Step(context.Background(), batch(rng, 4))
	require.NoError(t, err)

	w, ok := tr.Query().Param("head.weight")
	require.True(t, ok)
	w.Data()[0] = math.NaN()

	_, err = tr.Step(context.Background(), batch(rng, 4))
	require.ErrorIs(t, err, ErrDiverged)
}

type fixedBatches []*tensor.Dense

func (f fixedBatches) Each(ctx context.Context, fn func(dataset.Batch) error) error {
	for _, x := range f {
		if err := fn(dataset.Batch{X: x, Labels: make([]int, x.Shape()[0])}); err != nil {
			return err
		}
	}
	return nil
}

func TestTrainEpochAveragesReadySteps(t *testing.T) {
	tr := newTrainer(t, 8, 0.99)
	rng := rand.New(rand.NewSource(5))
	ctx := context.Background()

	warm, err := tr.TrainEpoch(ctx, 1, fixedBatches{batch(rng, 4)})
	require.NoError(t, err)
	assert.Zero(t, warm.MeanLoss)
	assert.Zero(t, warm.ReadySteps)
	assert.Equal(t, 4, tr.Dictionary().Len(), "dictionary persists across epochs")

	res, err := tr.TrainEpoch(ctx, 2, fixedBatches{batch(rng, 4), batch(rng, 4), batch(rng, 6)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 2, res.ReadySteps)
	assert.Equal(t, 14, res.Samples)
	assert.Greater(t, res.MeanLoss, 0.0)
}

func TestTrainEpochSkipsSingleRowTail(t *testing.T) {
	tr := newTrainer(t, 8, 0.99)
	ds, err := dataset.NewSynthetic(33, encCfg.InputDim, 3, 4)
	require.NoError(t, err)
	l, err := dataset.NewLoader(ds, dataset.LoaderConfig{BatchSize: 16, Shuffle: true, MinBatch: 2, Seed: 2})
	require.NoError(t, err)

	res, err := tr.TrainEpoch(context.Background(), 1, l)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 32, res.Samples)
}

func TestStepRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	q, err := encoder.New("query", encCfg, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	k, err := encoder.New("key", encCfg, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	opt, err := optim.NewSGD(0.05, 0.9, 0)
	require.NoError(t, err)
	tr, err := New(q, k, opt, Config{DictionarySize: 4, Temperature: 0.1, Momentum: 0.9}, quiet(), metrics)
	require.NoError(t, err)
	defer tr.Close()

	rng := rand.New(rand.NewSource(6))
	for i := 0; i < 3; i++ {
		_, err := tr.Step(context.Background(), batch(rng, 4))
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var size int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "moco.dictionary.size" {
				size = m.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, int64(4), size)
}

func TestRunnerEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	train, test, err := dataset.NewSyntheticSplit(64, 32, 6, 4, 1)
	require.NoError(t, err)
	load := func(ds dataset.Dataset, shuffle bool, tf dataset.Transform) *dataset.Loader {
		l, err := dataset.NewLoader(ds, dataset.LoaderConfig{BatchSize: 16, Shuffle: shuffle, Transform: tf, Seed: 9})
		require.NoError(t, err)
		return l
	}

	q, err := encoder.New("query", encCfg, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	k, err := encoder.New("key", encCfg, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	opt, err := optim.NewSGD(0.03, 0.9, 1e-4)
	require.NoError(t, err)
	sched, err := optim.NewMultiStep(opt, 0.03, []int{1}, 0.1)
	require.NoError(t, err)
	tr, err := New(q, k, opt, Config{DictionarySize: 32, Temperature: 0.1, Momentum: 0.99, Seed: 3}, quiet(), nil)
	require.NoError(t, err)
	defer tr.Close()

	var logs bytes.Buffer
	table := results.NewTable(filepath.Join(dir, "results", "mlp_4_32_results.csv"))
	ckpt := filepath.Join(dir, "epochs", "mlp_4_32.gob")
	r, err := NewRunner(RunnerConfig{
		Trainer:        tr,
		Train:          load(train, true, dataset.Jitter(0.1)),
		Memory:         load(train, false, nil),
		Test:           load(test, false, nil),
		Classes:        4,
		Epochs:         2,
		Schedule:       sched,
		Table:          table,
		CheckpointPath: ckpt,
		RunName:        "mlp_4_32",
		Logger:         slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Rows, 2)
	for _, row := range sum.Rows {
		assert.GreaterOrEqual(t, row.Top1, 0.0)
		assert.LessOrEqual(t, row.Top1, 100.0)
		assert.GreaterOrEqual(t, row.Top5, row.Top1)
	}
	assert.Greater(t, sum.Rows[1].TrainLoss, 0.0, "dictionary filled during epoch 1")
	assert.InDelta(t, 0.003, opt.LearnRate(), 1e-15)

	rows, err := results.ReadTable(table.Path())
	require.NoError(t, err)
	assert.Equal(t, sum.Rows, rows)

	if sum.BestTop1 > 0 {
		ck, err := results.LoadCheckpoint(ckpt)
		require.NoError(t, err)
		assert.Equal(t, sum.BestEpoch, ck.Epoch)
	} else {
		_, err := os.Stat(ckpt)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	}
	assert.Contains(t, logs.String(), "Train Epoch")
	assert.Contains(t, logs.String(), "trainable_params=")
}

func TestRunnerStopsOnCancel(t *testing.T) {
	tr := newTrainer(t, 8, 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rng := rand.New(rand.NewSource(7))
	r, err := NewRunner(RunnerConfig{
		Trainer: tr,
		Train:   fixedBatches{batch(rng, 4)},
		Memory:  fixedBatches{batch(rng, 4)},
		Test:    fixedBatches{batch(rng, 4)},
		Classes: 1,
		Epochs:  3,
		Logger:  quiet(),
	})
	require.NoError(t, err)
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
