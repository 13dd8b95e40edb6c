// Package train drives momentum-contrastive training: one Trainer step
// encodes a batch with the query and key encoders, scores the queries
// against their keys and the dictionary, updates the query encoder by
// gradient descent, moves the key encoder towards it and rotates the
// dictionary.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"moco/internal/contrast"
	"moco/internal/dataset"
	"moco/internal/encoder"
	"moco/internal/momentum"
	"moco/internal/observe"
	"moco/internal/queue"
	"moco/internal/shuffle"
)

// ErrDiverged is returned when the loss is not finite. Training cannot
// continue from that state.
var ErrDiverged = errors.New("train: loss diverged")

// Config holds the trainer hyper-parameters.
type Config struct {
	// DictionarySize is the number of negatives C.
	DictionarySize int
	// Temperature is τ.
	Temperature float64
	// Momentum is β of the key encoder update.
	Momentum float64
	// Seed drives the shuffle permutations.
	Seed int64
}

// Trainer owns the encoder pair, the optimizer and the dictionary.
// It is not safe for concurrent use.
type Trainer struct {
	cfg     Config
	query   *encoder.Encoder
	key     *encoder.Encoder
	opt     gorgonia.Solver
	dict    *queue.Dictionary
	rng     *rand.Rand
	logger  *slog.Logger
	metrics *observe.Metrics

	graphs map[int]*lossGraph
	steps  int
}

// New freezes key, copies query into it and creates an empty dictionary.
// logger and metrics may be nil.
func New(query, key *encoder.Encoder, opt gorgonia.Solver, cfg Config, logger *slog.Logger, metrics *observe.Metrics) (*Trainer, error) {
	if cfg.Temperature <= 0 {
		return nil, fmt.Errorf("train: temperature must be positive, got %g", cfg.Temperature)
	}
	if cfg.Momentum < 0 || cfg.Momentum > 1 {
		return nil, fmt.Errorf("train: momentum must be in [0, 1], got %g", cfg.Momentum)
	}
	qc, kc := query.Config(), key.Config()
	if qc.InputDim != kc.InputDim || qc.FeaturesDim != kc.FeaturesDim {
		return nil, fmt.Errorf("train: query and key encoders differ: %+v vs %+v", qc, kc)
	}
	dict, err := queue.New(cfg.DictionarySize, qc.FeaturesDim)
	if err != nil {
		return nil, err
	}
	key.Freeze()
	if err := momentum.Update(key, query, 0); err != nil {
		return nil, fmt.Errorf("train: init key encoder: %w", err)
	}
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Trainer{
		cfg:     cfg,
		query:   query,
		key:     key,
		opt:     opt,
		dict:    dict,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		logger:  observe.OrDefault(logger),
		metrics: metrics,
		graphs:  make(map[int]*lossGraph),
	}, nil
}

// Query is the gradient-trained encoder.
func (t *Trainer) Query() *encoder.Encoder { return t.query }

// Key is the momentum encoder.
func (t *Trainer) Key() *encoder.Encoder { return t.key }

// Dictionary is the negative-key queue.
func (t *Trainer) Dictionary() *queue.Dictionary { return t.dict }

// Steps is the number of completed steps.
func (t *Trainer) Steps() int { return t.steps }

// StepResult describes one step.
type StepResult struct {
	// Ready is whether the dictionary was full at the start of the step,
	// i.e. whether the loss was computed and the encoders updated.
	Ready   bool
	Loss    float64
	N       int
	Evicted int
	DictLen int
}

// lossGraph is the differentiable query pass plus loss for one batch size.
type lossGraph struct {
	x       *gorgonia.Node
	enc     *encoder.Graph
	loss    *contrast.Loss
	machine gorgonia.VM
}

func (t *Trainer) graphFor(n int) (*lossGraph, error) {
	if lg, ok := t.graphs[n]; ok {
		return lg, nil
	}
	g := gorgonia.NewGraph()
	x := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(n, t.query.Config().InputDim),
		gorgonia.WithName(fmt.Sprintf("x_%d", n)))
	eg, err := t.query.Build(g, x, encoder.Train)
	if err != nil {
		return nil, err
	}
	loss, err := contrast.Build(eg.Output, t.cfg.DictionarySize, t.cfg.Temperature)
	if err != nil {
		return nil, err
	}
	if _, err := gorgonia.Grad(loss.Cost, eg.Learnables...); err != nil {
		return nil, fmt.Errorf("train: gradient: %w", err)
	}
	lg := &lossGraph{
		x:       x,
		enc:     eg,
		loss:    loss,
		machine: gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(eg.Learnables...)),
	}
	t.graphs[n] = lg
	return lg, nil
}

// keys encodes the key view with shuffled batch normalisation: rows are
// permuted before the key encoder and restored after it, so no row is
// normalised with statistics of a batch in its original order.
func (t *Trainer) keys(x *tensor.Dense) (*tensor.Dense, error) {
	perm := shuffle.New(x.Shape()[0], t.rng)
	shuffled, err := perm.Shuffle(x)
	if err != nil {
		return nil, err
	}
	k, err := t.key.Forward(shuffled)
	if err != nil {
		return nil, fmt.Errorf("train: key pass: %w", err)
	}
	return perm.Unshuffle(k)
}

// Step runs one training step on x (N×InputDim).
//
// The loss, optimizer step and momentum update only happen when the
// dictionary already held C entries when the step started. The key batch
// is enqueued and the dictionary trimmed to C on every step.
func (t *Trainer) Step(ctx context.Context, x *tensor.Dense) (StepResult, error) {
	start := time.Now()
	n := x.Shape()[0]
	res := StepResult{N: n, Ready: t.dict.Ready()}

	// Both views are the same transformed batch.
	xk := x.Clone().(*tensor.Dense)
	k, err := t.keys(xk)
	if err != nil {
		return res, err
	}

	if res.Ready {
		if res.Loss, err = t.optimize(x, k); err != nil {
			return res, err
		}
		if err := momentum.Update(t.key, t.query, t.cfg.Momentum); err != nil {
			return res, err
		}
	} else if _, err := t.query.Forward(x); err != nil {
		return res, fmt.Errorf("train: query pass: %w", err)
	}

	if err := t.dict.Enqueue(k); err != nil {
		return res, err
	}
	res.Evicted = t.dict.EvictToCapacity()
	res.DictLen = t.dict.Len()
	t.steps++

	t.metrics.RecordStep(ctx, time.Since(start).Seconds(), res.Ready, res.Loss, n, res.Evicted)
	t.logger.Debug("train step", "step", t.steps, "ready", res.Ready, "loss", res.Loss, "dictionary", res.DictLen)
	return res, nil
}

func (t *Trainer) optimize(x, k *tensor.Dense) (float64, error) {
	lg, err := t.graphFor(x.Shape()[0])
	if err != nil {
		return 0, err
	}
	defer lg.machine.Reset()

	if err := gorgonia.Let(lg.x, x); err != nil {
		return 0, err
	}
	if err := lg.loss.Bind(k, t.dict.Memory()); err != nil {
		return 0, err
	}
	if err := lg.machine.RunAll(); err != nil {
		return 0, fmt.Errorf("train: forward/backward: %w", err)
	}
	loss, err := lg.loss.Value()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, fmt.Errorf("%w: step %d loss %v", ErrDiverged, t.steps+1, loss)
	}
	if err := t.opt.Step(gorgonia.NodesToValueGrads(lg.enc.Learnables)); err != nil {
		return 0, fmt.Errorf("train: optimizer: %w", err)
	}
	if err := lg.enc.Commit(); err != nil {
		return 0, err
	}
	return loss, nil
}

// Batches is a source of training batches.
type Batches interface {
	Each(ctx context.Context, fn func(dataset.Batch) error) error
}

// EpochResult summarises one pass over the training data.
type EpochResult struct {
	Epoch int
	// MeanLoss is Σ loss·N / Σ N over the ready steps, 0 if there were none.
	MeanLoss   float64
	Steps      int
	ReadySteps int
	Samples    int
}

// TrainEpoch runs Step on every batch of src. The dictionary carries over
// from the previous epoch.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, src Batches) (EpochResult, error) {
	res := EpochResult{Epoch: epoch}
	var total float64
	var counted int
	err := src.Each(ctx, func(b dataset.Batch) error {
		sr, err := t.Step(ctx, b.X)
		if err != nil {
			return err
		}
		res.Steps++
		res.Samples += sr.N
		if sr.Ready {
			res.ReadySteps++
			total += sr.Loss * float64(sr.N)
			counted += sr.N
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if counted > 0 {
		res.MeanLoss = total / float64(counted)
	} else {
		t.logger.Info("dictionary still filling, no loss this epoch",
			"epoch", epoch, "dictionary", t.dict.Len(), "capacity", t.dict.Capacity())
	}
	return res, nil
}

// Close releases the compiled graphs.
func (t *Trainer) Close() {
	for n, lg := range t.graphs {
		lg.machine.Close()
		delete(t.graphs, n)
	}
	t.query.Close()
	t.key.Close()
}
