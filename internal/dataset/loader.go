package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Batch is one mini-batch: X is N×Dim, Labels has N entries, Indices are
// the dataset positions of the rows.
type Batch struct {
	X       *tensor.Dense
	Labels  []int
	Indices []int
}

// Len is N.
func (b Batch) Len() int { return len(b.Labels) }

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	// Shuffle draws a fresh sample order for every pass.
	Shuffle bool
	// Transform defaults to Identity.
	Transform Transform
	// Prefetch is the number of batches prepared ahead; 0 means 1.
	Prefetch int
	// MinBatch drops a final batch with fewer rows. Training passes set it
	// to 2 since batch-norm statistics need two rows.
	MinBatch int
	Seed     int64
}

// Loader iterates a Dataset in mini-batches. The final batch of a pass may
// be short unless it falls below MinBatch. A Loader is not safe for
// concurrent use; each pass runs one producer goroutine.
type Loader struct {
	ds  Dataset
	cfg LoaderConfig
	rng *rand.Rand
}

// NewLoader creates a loader over ds.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", cfg.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset: empty dataset")
	}
	if ds.Len() < cfg.MinBatch {
		return nil, fmt.Errorf("dataset: %d samples, fewer than the minimum batch of %d", ds.Len(), cfg.MinBatch)
	}
	if cfg.Transform == nil {
		cfg.Transform = Identity
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Loader{ds: ds, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Dataset is the underlying collection.
func (l *Loader) Dataset() Dataset { return l.ds }

// Batches is the number of batches in one pass.
func (l *Loader) Batches() int {
	n := l.ds.Len() / l.cfg.BatchSize
	if tail := l.ds.Len() % l.cfg.BatchSize; tail > 0 && tail >= l.cfg.MinBatch {
		n++
	}
	return n
}

// Each calls fn for every batch of one pass, in order. Iteration stops at
// the first error from fn or when ctx is cancelled.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	order := make([]int, l.ds.Len())
	if l.cfg.Shuffle {
		order = l.rng.Perm(len(order))
	} else {
		for i := range order {
			order[i] = i
		}
	}
	// The producer owns its own generator so the consumer never touches it.
	rng := rand.New(rand.NewSource(l.rng.Int63()))

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan Batch, l.cfg.Prefetch)

	g.Go(func() error {
		defer close(batches)
		for start := 0; start < len(order); start += l.cfg.BatchSize {
			idx := order[start:min(start+l.cfg.BatchSize, len(order))]
			if len(idx) < l.cfg.MinBatch {
				break
			}
			b := l.assemble(idx, rng)
			select {
			case batches <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// fn runs on the caller's goroutine.
	var fnErr error
	for b := range batches {
		if fnErr = ctx.Err(); fnErr != nil {
			break
		}
		if fnErr = fn(b); fnErr != nil {
			break
		}
	}
	cancel()
	for range batches {
	}
	// The producer only fails on cancellation, reported below.
	_ = g.Wait()
	if fnErr == nil {
		fnErr = parent.Err()
	}
	return fnErr
}

func (l *Loader) assemble(idx []int, rng *rand.Rand) Batch {
	dim := l.ds.Dim()
	data := make([]float64, 0, len(idx)*dim)
	labels := make([]int, len(idx))
	for i, j := range idx {
		x, y := l.ds.Sample(j)
		data = append(data, l.cfg.Transform(x, rng)...)
		labels[i] = y
	}
	return Batch{
		X:       tensor.New(tensor.WithShape(len(idx), dim), tensor.WithBacking(data)),
		Labels:  labels,
		Indices: append([]int(nil), idx...),
	}
}
