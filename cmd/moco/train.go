package main

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"moco/internal/config"
	"moco/internal/dataset"
	"moco/internal/encoder"
	"moco/internal/observe"
	"moco/internal/optim"
	"moco/internal/results"
	"moco/internal/train"
)

func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run momentum-contrastive training",
		Long: `Train the query encoder for the configured number of epochs. After every epoch the
encoder is scored with a kNN classifier, the results CSV is rewritten and the best
checkpoint is saved.`,
		Args: cobra.NoArgs,
		RunE: runTrain,
	}

	f := cmd.Flags()
	f.Int("epochs", 0, "Number of sweeps over the dataset")
	f.Int("batch-size", 0, "Samples per mini-batch")
	f.Int("features-dim", 0, "Embedding width")
	f.Int("dictionary-size", 0, "Number of negative keys in the queue")
	f.Float64("temperature", 0, "Softmax temperature")
	f.Float64("momentum", 0, "Key encoder momentum")
	f.Float64("lr", 0, "Base learning rate")
	f.Int64("seed", 0, "Random seed")
	return cmd
}

// applyTrainFlags copies the train flags that were set into cfg. Commands
// without those flags are left alone.
func applyTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("epochs") {
		cfg.Train.Epochs, _ = flags.GetInt("epochs")
	}
	if changed("batch-size") {
		cfg.Train.BatchSize, _ = flags.GetInt("batch-size")
	}
	if changed("features-dim") {
		cfg.Model.FeaturesDim, _ = flags.GetInt("features-dim")
	}
	if changed("dictionary-size") {
		cfg.Train.DictionarySize, _ = flags.GetInt("dictionary-size")
	}
	if changed("temperature") {
		cfg.Train.Temperature, _ = flags.GetFloat64("temperature")
	}
	if changed("momentum") {
		cfg.Train.Momentum, _ = flags.GetFloat64("momentum")
	}
	if changed("lr") {
		cfg.Train.LearningRate, _ = flags.GetFloat64("lr")
	}
	if changed("seed") {
		cfg.Train.Seed, _ = flags.GetInt64("seed")
	}
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	if cfg.MetricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceVersion: version,
			ListenAddr:     cfg.MetricsAddr,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer shutdown(ctx)
	}

	data, err := loadSplits(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ecfg := encoderConfig(cfg, data.train.Dim())
	initRNG := rand.New(rand.NewSource(cfg.Train.Seed))
	query, err := encoder.New("query", ecfg, initRNG)
	if err != nil {
		return err
	}
	key, err := encoder.New("key", ecfg, initRNG)
	if err != nil {
		return err
	}

	t := cfg.Train
	sgd, err := optim.NewSGD(t.LearningRate, t.SGDMomentum, t.WeightDecay)
	if err != nil {
		return err
	}
	sched, err := optim.NewMultiStep(sgd, t.LearningRate, t.EpochMilestones(), t.LRDecay)
	if err != nil {
		return err
	}
	trainer, err := train.New(query, key, sgd, train.Config{
		DictionarySize: t.DictionarySize,
		Temperature:    t.Temperature,
		Momentum:       t.Momentum,
		Seed:           t.Seed,
	}, logger, observe.Default())
	if err != nil {
		return err
	}
	defer trainer.Close()

	trainLoader, err := dataset.NewLoader(data.train, dataset.LoaderConfig{
		BatchSize: t.BatchSize,
		Shuffle:   true,
		Transform: data.trainTF,
		Prefetch:  cfg.Data.Prefetch,
		MinBatch:  2,
		Seed:      t.Seed,
	})
	if err != nil {
		return err
	}
	memory, test, err := evalLoaders(cfg, data)
	if err != nil {
		return err
	}

	runner, err := train.NewRunner(train.RunnerConfig{
		Trainer:        trainer,
		Train:          trainLoader,
		Memory:         memory,
		Test:           test,
		Classes:        data.train.Classes(),
		Epochs:         t.Epochs,
		K:              cfg.Eval.K,
		Schedule:       sched,
		Table:          results.NewTable(resultsPath(cfg)),
		CheckpointPath: checkpointPath(cfg),
		RunName:        cfg.RunName(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	sum, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	renderSummary(cmd.OutOrStdout(), sum)
	return nil
}

func renderSummary(w io.Writer, sum train.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"epoch", "train loss", "acc@1 %", "acc@5 %"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, r := range sum.Rows {
		table.Append([]string{
			strconv.Itoa(r.Epoch),
			strconv.FormatFloat(r.TrainLoss, 'f', 4, 64),
			strconv.FormatFloat(r.Top1, 'f', 2, 64),
			strconv.FormatFloat(r.Top5, 'f', 2, 64),
		})
	}
	table.SetFooter([]string{"best", "", strconv.FormatFloat(sum.BestTop1, 'f', 2, 64), "epoch " + strconv.Itoa(sum.BestEpoch)})
	table.Render()
}
