// Package config holds the run configuration for contrastive training: data
// source, encoder shape, dictionary and optimisation hyper-parameters, and
// output locations. Configs are read from YAML, then overridden from the
// environment and finally from CLI flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DataKind selects the dataset implementation.
type DataKind string

const (
	DataCIFAR10   DataKind = "cifar10"
	DataSynthetic DataKind = "synthetic"
	DataText      DataKind = "text"
)

// LogLevel is the minimum slog level that is emitted.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the top-level configuration.
type Config struct {
	Data   DataConfig   `yaml:"data"`
	Model  ModelConfig  `yaml:"model"`
	Train  TrainConfig  `yaml:"train"`
	Eval   EvalConfig   `yaml:"eval"`
	Output OutputConfig `yaml:"output"`

	LogLevel    LogLevel `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr,omitempty"`
}

// DataConfig describes where training and evaluation samples come from.
type DataConfig struct {
	Kind DataKind `yaml:"kind"`

	// Path is the CIFAR-10 binary directory for cifar10.
	Path string `yaml:"path,omitempty"`

	// TrainFile and TestFile are label<TAB>text files for text.
	TrainFile string `yaml:"train_file,omitempty"`
	TestFile  string `yaml:"test_file,omitempty"`

	// TextEncoder is "hash" or a cybertron model name for text.
	TextEncoder string `yaml:"text_encoder,omitempty"`
	ModelsDir   string `yaml:"models_dir,omitempty"`
	// HashDim is the width of the "hash" text encoder.
	HashDim int `yaml:"hash_dim,omitempty"`

	// Synthetic dataset shape.
	SyntheticTrain   int `yaml:"synthetic_train,omitempty"`
	SyntheticTest    int `yaml:"synthetic_test,omitempty"`
	SyntheticDim     int `yaml:"synthetic_dim,omitempty"`
	SyntheticClasses int `yaml:"synthetic_classes,omitempty"`

	Prefetch int `yaml:"prefetch"`
}

// ModelConfig describes the encoder architecture.
type ModelConfig struct {
	Backbone    string  `yaml:"backbone"`
	HiddenDims  []int   `yaml:"hidden_dims"`
	FeaturesDim int     `yaml:"features_dim"`
	BNMomentum  float64 `yaml:"bn_momentum"`
	BNEpsilon   float64 `yaml:"bn_epsilon"`
}

// TrainConfig holds the contrastive and optimiser hyper-parameters.
type TrainConfig struct {
	BatchSize      int     `yaml:"batch_size"`
	Epochs         int     `yaml:"epochs"`
	DictionarySize int     `yaml:"dictionary_size"`
	Temperature    float64 `yaml:"temperature"`
	Momentum       float64 `yaml:"momentum"`

	LearningRate float64   `yaml:"learning_rate"`
	SGDMomentum  float64   `yaml:"sgd_momentum"`
	WeightDecay  float64   `yaml:"weight_decay"`
	Milestones   []float64 `yaml:"lr_milestones"`
	LRDecay      float64   `yaml:"lr_decay"`

	Seed int64 `yaml:"seed"`
}

// EvalConfig configures the kNN monitor.
type EvalConfig struct {
	K int `yaml:"knn_k"`
}

// OutputConfig configures where results and checkpoints are written.
type OutputConfig struct {
	ResultsDir    string `yaml:"results_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// Default returns the configuration used when no file is given. The
// hyper-parameters follow the reference MoCo CIFAR-10 recipe.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Kind:             DataCIFAR10,
			Path:             "data/cifar-10-batches-bin",
			TextEncoder:      "hash",
			ModelsDir:        "models",
			HashDim:          64,
			SyntheticTrain:   2048,
			SyntheticTest:    512,
			SyntheticDim:     32,
			SyntheticClasses: 10,
			Prefetch:         2,
		},
		Model: ModelConfig{
			Backbone:    "mlp",
			HiddenDims:  []int{512},
			FeaturesDim: 128,
			BNMomentum:  0.1,
			BNEpsilon:   1e-5,
		},
		Train: TrainConfig{
			BatchSize:      256,
			Epochs:         200,
			DictionarySize: 65536,
			Temperature:    0.07,
			Momentum:       0.999,
			LearningRate:   0.03,
			SGDMomentum:    0.9,
			WeightDecay:    1e-4,
			Milestones:     []float64{0.6, 0.8},
			LRDecay:        0.1,
			Seed:           42,
		},
		Eval: EvalConfig{K: 200},
		Output: OutputConfig{
			ResultsDir:    "results",
			CheckpointDir: "epochs",
		},
		LogLevel: LogInfo,
	}
}

// Load reads the YAML configuration at path on top of [Default] and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of [Default] and validates it.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate checks that cfg is usable. All failures are joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Data.Kind {
	case DataCIFAR10:
		if cfg.Data.Path == "" {
			errs = append(errs, errors.New("data.path is required for cifar10"))
		}
	case DataText:
		if cfg.Data.TrainFile == "" || cfg.Data.TestFile == "" {
			errs = append(errs, errors.New("data.train_file and data.test_file are required for text"))
		}
		if cfg.Data.TextEncoder == "hash" && cfg.Data.HashDim <= 0 {
			errs = append(errs, fmt.Errorf("data.hash_dim must be positive, got %d", cfg.Data.HashDim))
		}
	case DataSynthetic:
		if cfg.Data.SyntheticTrain <= 0 || cfg.Data.SyntheticTest <= 0 {
			errs = append(errs, errors.New("data.synthetic_train and data.synthetic_test must be positive"))
		}
		if cfg.Data.SyntheticDim <= 0 {
			errs = append(errs, errors.New("data.synthetic_dim must be positive"))
		}
		if cfg.Data.SyntheticClasses <= 0 {
			errs = append(errs, errors.New("data.synthetic_classes must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("data.kind %q is invalid; valid values: cifar10, synthetic, text", cfg.Data.Kind))
	}
	if cfg.Data.Prefetch < 0 {
		errs = append(errs, fmt.Errorf("data.prefetch must be >= 0, got %d", cfg.Data.Prefetch))
	}

	if cfg.Model.Backbone != "mlp" {
		errs = append(errs, fmt.Errorf("model.backbone %q is invalid; valid values: mlp", cfg.Model.Backbone))
	}
	for i, h := range cfg.Model.HiddenDims {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("model.hidden_dims[%d] must be positive, got %d", i, h))
		}
	}
	if cfg.Model.FeaturesDim <= 0 {
		errs = append(errs, fmt.Errorf("model.features_dim must be positive, got %d", cfg.Model.FeaturesDim))
	}
	if cfg.Model.BNMomentum < 0 || cfg.Model.BNMomentum > 1 {
		errs = append(errs, fmt.Errorf("model.bn_momentum must be in [0, 1], got %g", cfg.Model.BNMomentum))
	}
	if cfg.Model.BNEpsilon <= 0 {
		errs = append(errs, fmt.Errorf("model.bn_epsilon must be positive, got %g", cfg.Model.BNEpsilon))
	}

	t := cfg.Train
	if t.BatchSize < 2 {
		errs = append(errs, fmt.Errorf("train.batch_size must be at least 2, got %d", t.BatchSize))
	}
	if t.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("train.epochs must be positive, got %d", t.Epochs))
	}
	if t.DictionarySize <= 0 {
		errs = append(errs, fmt.Errorf("train.dictionary_size must be positive, got %d", t.DictionarySize))
	}
	if t.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("train.temperature must be positive, got %g", t.Temperature))
	}
	if t.Momentum < 0 || t.Momentum >= 1 {
		errs = append(errs, fmt.Errorf("train.momentum must be in [0, 1), got %g", t.Momentum))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("train.learning_rate must be positive, got %g", t.LearningRate))
	}
	if t.SGDMomentum < 0 || t.SGDMomentum >= 1 {
		errs = append(errs, fmt.Errorf("train.sgd_momentum must be in [0, 1), got %g", t.SGDMomentum))
	}
	if t.WeightDecay < 0 {
		errs = append(errs, fmt.Errorf("train.weight_decay must be >= 0, got %g", t.WeightDecay))
	}
	for i, m := range t.Milestones {
		if m <= 0 || m > 1 {
			errs = append(errs, fmt.Errorf("train.lr_milestones[%d] must be in (0, 1], got %g", i, m))
		}
	}
	if t.LRDecay <= 0 || t.LRDecay > 1 {
		errs = append(errs, fmt.Errorf("train.lr_decay must be in (0, 1], got %g", t.LRDecay))
	}

	if cfg.Eval.K <= 0 {
		errs = append(errs, fmt.Errorf("eval.knn_k must be positive, got %d", cfg.Eval.K))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// EpochMilestones converts the fractional milestones into epoch numbers,
// int(epochs * fraction) as the reference schedule does.
func (t TrainConfig) EpochMilestones() []int {
	out := make([]int, 0, len(t.Milestones))
	for _, m := range t.Milestones {
		out = append(out, int(float64(t.Epochs)*m))
	}
	return out
}

// RunName identifies the output files of a run:
// <backbone>_<features_dim>_<dictionary_size>.
func (c *Config) RunName() string {
	return fmt.Sprintf("%s_%d_%d", c.Model.Backbone, c.Model.FeaturesDim, c.Train.DictionarySize)
}
