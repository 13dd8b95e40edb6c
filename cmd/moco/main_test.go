package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moco/internal/config"
	"moco/internal/results"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	yaml := fmt.Sprintf(`data:
  kind: synthetic
  synthetic_train: 64
  synthetic_test: 32
  synthetic_dim: 8
  synthetic_classes: 4
model:
  hidden_dims: [16]
  features_dim: 8
train:
  batch_size: 16
  epochs: 2
  dictionary_size: 32
  temperature: 0.1
  momentum: 0.99
eval:
  knn_k: 10
output:
  results_dir: %s
  checkpoint_dir: %s
log_level: error
`, filepath.Join(dir, "results"), filepath.Join(dir, "epochs"))
	path := filepath.Join(dir, "moco.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestConfigCmdPrintsEffectiveConfig(t *testing.T) {
	out, err := execute(t, "config", "--data", "synthetic", "--log-level", "debug")
	require.NoError(t, err)

	cfg, err := config.LoadFromReader(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, config.DataSynthetic, cfg.Data.Kind)
	assert.Equal(t, config.LogDebug, cfg.LogLevel)
	assert.Equal(t, 65536, cfg.Train.DictionarySize)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := execute(t, "config", "--data", "imagenet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.kind")
}

func TestTrainInspectEval(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "train", "-c", cfgPath, "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "best")

	rows, err := results.ReadTable(filepath.Join(dir, "results", "mlp_8_32_results.csv"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Epoch)

	ckpt := filepath.Join(dir, "epochs", "mlp_8_32.gob")
	require.FileExists(t, ckpt)

	out, err = execute(t, "inspect", ckpt)
	require.NoError(t, err)
	assert.Contains(t, out, "layer0.bn.running_mean")
	assert.Contains(t, out, "buffer")
	assert.Contains(t, out, "run mlp_8_32")

	out, err = execute(t, "eval", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, ckpt)
}

func TestInspectMissingCheckpoint(t *testing.T) {
	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "none.gob"))
	require.Error(t, err)
}
