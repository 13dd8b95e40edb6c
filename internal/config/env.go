package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables read by [ApplyEnv]. Unset or unparsable values leave
// the config untouched.
const (
	EnvEpochs         = "MOCO_EPOCHS"
	EnvBatchSize      = "MOCO_BATCH_SIZE"
	EnvDictionarySize = "MOCO_DICTIONARY_SIZE"
	EnvFeaturesDim    = "MOCO_FEATURES_DIM"
	EnvTemperature    = "MOCO_TEMPERATURE"
	EnvMomentum       = "MOCO_MOMENTUM"
	EnvLearningRate   = "MOCO_LR"
	EnvSeed           = "MOCO_SEED"
	EnvDataPath       = "MOCO_DATA_PATH"
	EnvLogLevel       = "MOCO_LOG_LEVEL"
)

// ApplyEnv overrides fields of cfg from MOCO_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.Train.Epochs = getenvInt(EnvEpochs, cfg.Train.Epochs)
	cfg.Train.BatchSize = getenvInt(EnvBatchSize, cfg.Train.BatchSize)
	cfg.Train.DictionarySize = getenvInt(EnvDictionarySize, cfg.Train.DictionarySize)
	cfg.Model.FeaturesDim = getenvInt(EnvFeaturesDim, cfg.Model.FeaturesDim)
	cfg.Train.Temperature = getenvFloat(EnvTemperature, cfg.Train.Temperature)
	cfg.Train.Momentum = getenvFloat(EnvMomentum, cfg.Train.Momentum)
	cfg.Train.LearningRate = getenvFloat(EnvLearningRate, cfg.Train.LearningRate)
	cfg.Train.Seed = getenvInt64(EnvSeed, cfg.Train.Seed)
	if v := os.Getenv(EnvDataPath); v != "" {
		cfg.Data.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = LogLevel(v)
	}
}

// envValue parses the variable key with parse; def is returned when it is
// unset, blank or fails to parse.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getenvInt(key string, def int) int { return envValue(key, def, strconv.Atoi) }

func getenvInt64(key string, def int64) int64 {
	return envValue(key, def, func(v string) (int64, error) { return strconv.ParseInt(v, 10, 64) })
}

func getenvFloat(key string, def float64) float64 {
	return envValue(key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}
