package train

import (
	"context"
	"fmt"
	"log/slog"

	"moco/internal/eval"
	"moco/internal/observe"
	"moco/internal/optim"
	"moco/internal/results"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Trainer *Trainer
	// Train yields augmented training batches.
	Train Batches
	// Memory yields the training set with the test transform, in order,
	// for the kNN memory bank.
	Memory eval.Batches
	Test   eval.Batches
	// Classes is the number of training labels.
	Classes int
	Epochs  int
	// K is the kNN neighbourhood; ≤ 0 means eval.DefaultK.
	K        int
	Schedule *optim.MultiStep
	Table    *results.Table
	// CheckpointPath receives the query encoder whenever top-1 improves.
	// Empty disables checkpoints.
	CheckpointPath string
	RunName        string
	Logger         *slog.Logger
	Metrics        *observe.Metrics
}

// Runner executes a full training run: epochs 1..Epochs of training, each
// followed by kNN evaluation, result logging, a schedule step and a
// checkpoint on improvement.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner validates cfg.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Trainer == nil || cfg.Train == nil || cfg.Memory == nil || cfg.Test == nil {
		return nil, fmt.Errorf("train: runner needs a trainer and train, memory and test batches")
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("train: epochs must be positive, got %d", cfg.Epochs)
	}
	cfg.Logger = observe.OrDefault(cfg.Logger)
	if cfg.Metrics == nil {
		cfg.Metrics = observe.Default()
	}
	return &Runner{cfg: cfg}, nil
}

// Summary is the outcome of a run.
type Summary struct {
	Rows      []results.Row
	BestTop1  float64
	BestEpoch int
}

// Run trains until every epoch completed, ctx is cancelled or a step
// fails. The summary covers the epochs that finished.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	c := r.cfg
	var sum Summary
	query := c.Trainer.Query()
	c.Logger.Info("starting training",
		"run", c.RunName, "epochs", c.Epochs,
		"trainable_params", query.TrainableCount(),
		"dictionary", c.Trainer.Dictionary().Capacity())

	for epoch := 1; epoch <= c.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		tr, err := c.Trainer.TrainEpoch(ctx, epoch, c.Train)
		if err != nil {
			return sum, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		c.Logger.Info("Train Epoch", "epoch", epoch, "of", c.Epochs, "loss", tr.MeanLoss,
			"ready_steps", tr.ReadySteps, "steps", tr.Steps)

		bank, err := eval.BuildMemoryBank(ctx, query, c.Memory, c.Classes)
		if err != nil {
			return sum, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		acc, err := bank.Score(ctx, query, c.Test, c.K)
		if err != nil {
			return sum, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		c.Logger.Info("Test Epoch", "epoch", epoch, "of", c.Epochs, "acc@1", acc.Top1, "acc@5", acc.Top5)

		row := results.Row{Epoch: epoch, TrainLoss: tr.MeanLoss, Top1: acc.Top1, Top5: acc.Top5}
		sum.Rows = append(sum.Rows, row)
		if c.Table != nil {
			if err := c.Table.Append(row); err != nil {
				return sum, err
			}
		}

		lr := 0.0
		if c.Schedule != nil {
			lr = c.Schedule.Step(epoch)
		}
		c.Metrics.RecordEpoch(ctx, epoch, tr.MeanLoss, acc.Top1, acc.Top5, lr)

		if acc.Top1 > sum.BestTop1 {
			sum.BestTop1, sum.BestEpoch = acc.Top1, epoch
			if c.CheckpointPath != "" {
				ck := results.Snapshot(query, c.RunName, epoch, acc.Top1, acc.Top5)
				if err := ck.Save(c.CheckpointPath); err != nil {
					return sum, err
				}
				c.Logger.Info("saved checkpoint", "path", c.CheckpointPath, "epoch", epoch, "acc@1", acc.Top1)
			}
		}
	}
	return sum, nil
}
