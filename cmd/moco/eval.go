package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"moco/internal/eval"
	"moco/internal/results"
)

func NewEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval [checkpoint]",
		Short: "Score a checkpoint with the kNN classifier",
		Long:  `Load a query-encoder checkpoint (default: the run's best checkpoint) and report kNN top-1 and top-5 accuracy on the test set.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEval,
	}
	cmd.Flags().Int("k", 0, "Neighbourhood size (default from config)")
	return cmd
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	path := checkpointPath(cfg)
	if len(args) == 1 {
		path = args[0]
	}
	ck, err := results.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	enc, err := ck.NewEncoder("query")
	if err != nil {
		return err
	}
	defer enc.Close()

	data, err := loadSplits(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if data.train.Dim() != enc.Config().InputDim {
		return fmt.Errorf("checkpoint expects %d input features, dataset has %d", enc.Config().InputDim, data.train.Dim())
	}
	memory, test, err := evalLoaders(cfg, data)
	if err != nil {
		return err
	}

	k := cfg.Eval.K
	if cmd.Flags().Changed("k") {
		k, _ = cmd.Flags().GetInt("k")
	}
	bank, err := eval.BuildMemoryBank(ctx, enc, memory, data.train.Classes())
	if err != nil {
		return err
	}
	res, err := bank.Score(ctx, enc, test, k)
	if err != nil {
		return err
	}
	logger.Debug("evaluated checkpoint", "path", path, "bank", bank.Len(), "test", res.N)

	top5 := strconv.FormatFloat(res.Top5, 'f', 2, 64)
	if !res.Top5Valid {
		top5 = "n/a"
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"checkpoint", "epoch", "k", "samples", "acc@1 %", "acc@5 %"})
	table.Append([]string{
		path,
		strconv.Itoa(ck.Epoch),
		strconv.Itoa(min(k, bank.Len())),
		strconv.Itoa(res.N),
		strconv.FormatFloat(res.Top1, 'f', 2, 64),
		top5,
	})
	table.Render()
	return nil
}
