package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	src := `
data:
  kind: synthetic
  synthetic_train: 64
train:
  batch_size: 8
  dictionary_size: 32
  temperature: 0.2
log_level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, DataSynthetic, cfg.Data.Kind)
	assert.Equal(t, 64, cfg.Data.SyntheticTrain)
	assert.Equal(t, 512, cfg.Data.SyntheticTest, "unset fields keep defaults")
	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.Equal(t, 32, cfg.Train.DictionarySize)
	assert.InDelta(t, 0.2, cfg.Train.Temperature, 1e-12)
	assert.InDelta(t, 0.999, cfg.Train.Momentum, 1e-12)
	assert.Equal(t, LogDebug, cfg.LogLevel)
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("train:\n  batchsize: 3\n"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero temperature", func(c *Config) { c.Train.Temperature = 0 }, "train.temperature"},
		{"negative temperature", func(c *Config) { c.Train.Temperature = -0.5 }, "train.temperature"},
		{"zero capacity", func(c *Config) { c.Train.DictionarySize = 0 }, "train.dictionary_size"},
		{"momentum one", func(c *Config) { c.Train.Momentum = 1 }, "train.momentum"},
		{"negative momentum", func(c *Config) { c.Train.Momentum = -0.1 }, "train.momentum"},
		{"zero batch", func(c *Config) { c.Train.BatchSize = 0 }, "train.batch_size"},
		{"single row batch", func(c *Config) { c.Train.BatchSize = 1 }, "train.batch_size"},
		{"zero features", func(c *Config) { c.Model.FeaturesDim = 0 }, "model.features_dim"},
		{"bad hidden", func(c *Config) { c.Model.HiddenDims = []int{16, 0} }, "model.hidden_dims[1]"},
		{"bad kind", func(c *Config) { c.Data.Kind = "imagenet" }, "data.kind"},
		{"text without files", func(c *Config) { c.Data.Kind = DataText }, "data.train_file"},
		{"bad milestone", func(c *Config) { c.Train.Milestones = []float64{1.5} }, "train.lr_milestones[0]"},
		{"bad decay", func(c *Config) { c.Train.LRDecay = 0 }, "train.lr_decay"},
		{"bad level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"bad knn", func(c *Config) { c.Eval.K = 0 }, "eval.knn_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Train.Temperature = 0
	cfg.Train.DictionarySize = -1
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train.temperature")
	assert.Contains(t, err.Error(), "train.dictionary_size")
}

func TestEpochMilestones(t *testing.T) {
	tc := Default().Train
	tc.Epochs = 200
	assert.Equal(t, []int{120, 160}, tc.EpochMilestones())

	tc.Epochs = 7
	assert.Equal(t, []int{4, 5}, tc.EpochMilestones())
}

func TestRunName(t *testing.T) {
	assert.Equal(t, "mlp_128_65536", Default().RunName())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvEpochs, "3")
	t.Setenv(EnvTemperature, "0.5")
	t.Setenv(EnvBatchSize, "not-a-number")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvSeed, " 9007199254740993 ")
	t.Setenv(EnvMomentum, "")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.InDelta(t, 0.5, cfg.Train.Temperature, 1e-12)
	assert.Equal(t, 256, cfg.Train.BatchSize, "unparsable values are ignored")
	assert.Equal(t, LogWarn, cfg.LogLevel)
	assert.Equal(t, int64(9007199254740993), cfg.Train.Seed, "seeds keep all 64 bits")
	assert.Equal(t, Default().Train.Momentum, cfg.Train.Momentum, "blank values are ignored")
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)

	cfg, err := LoadFromReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
