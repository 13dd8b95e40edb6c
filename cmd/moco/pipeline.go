package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"moco/internal/config"
	"moco/internal/dataset"
	"moco/internal/embedder"
	"moco/internal/encoder"
)

// splits are the train and test sets of a run with their transforms.
type splits struct {
	train, test     dataset.Dataset
	trainTF, evalTF dataset.Transform
}

func loadSplits(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*splits, error) {
	d := cfg.Data
	switch d.Kind {
	case config.DataCIFAR10:
		train, err := dataset.LoadCIFAR10(d.Path, true)
		if err != nil {
			return nil, err
		}
		test, err := dataset.LoadCIFAR10(d.Path, false)
		if err != nil {
			return nil, err
		}
		return &splits{train: train, test: test, trainTF: dataset.CIFARTrain, evalTF: dataset.CIFARTest}, nil

	case config.DataSynthetic:
		train, test, err := dataset.NewSyntheticSplit(d.SyntheticTrain, d.SyntheticTest, d.SyntheticDim, d.SyntheticClasses, cfg.Train.Seed)
		if err != nil {
			return nil, err
		}
		return &splits{train: train, test: test, trainTF: dataset.Jitter(0.1), evalTF: dataset.Identity}, nil

	case config.DataText:
		emb, err := newEmbedder(d, logger)
		if err != nil {
			return nil, err
		}
		vocab := dataset.NewVocab()
		train, err := dataset.LoadTextFile(ctx, d.TrainFile, emb, vocab)
		if err != nil {
			return nil, err
		}
		test, err := dataset.LoadTextFile(ctx, d.TestFile, emb, vocab)
		if err != nil {
			return nil, err
		}
		logger.Info("embedded text corpus", "train", train.Len(), "test", test.Len(), "dim", train.Dim(), "labels", vocab.Names())
		return &splits{train: train, test: test, trainTF: dataset.Jitter(0.01), evalTF: dataset.Identity}, nil
	}
	return nil, fmt.Errorf("unknown data kind %q", d.Kind)
}

func newEmbedder(d config.DataConfig, logger *slog.Logger) (embedder.Embedder, error) {
	if d.TextEncoder == "" || d.TextEncoder == "hash" {
		return embedder.NewHash(d.HashDim)
	}
	return embedder.NewCybertron(d.ModelsDir, d.TextEncoder, logger)
}

func encoderConfig(cfg *config.Config, inputDim int) encoder.Config {
	return encoder.Config{
		InputDim:    inputDim,
		HiddenDims:  append([]int(nil), cfg.Model.HiddenDims...),
		FeaturesDim: cfg.Model.FeaturesDim,
		BNMomentum:  cfg.Model.BNMomentum,
		BNEpsilon:   cfg.Model.BNEpsilon,
	}
}

// evalLoaders are the ordered memory-bank and test loaders.
func evalLoaders(cfg *config.Config, s *splits) (memory, test *dataset.Loader, err error) {
	lc := dataset.LoaderConfig{BatchSize: cfg.Train.BatchSize, Transform: s.evalTF, Prefetch: cfg.Data.Prefetch}
	if memory, err = dataset.NewLoader(s.train, lc); err != nil {
		return nil, nil, err
	}
	if test, err = dataset.NewLoader(s.test, lc); err != nil {
		return nil, nil, err
	}
	return memory, test, nil
}

func resultsPath(cfg *config.Config) string {
	return filepath.Join(cfg.Output.ResultsDir, cfg.RunName()+"_results.csv")
}

func checkpointPath(cfg *config.Config) string {
	return filepath.Join(cfg.Output.CheckpointDir, cfg.RunName()+".gob")
}
