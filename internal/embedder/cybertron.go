package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"gorgonia.org/tensor"
)

// DefaultModel is the sentence encoder used when none is configured.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// Cybertron embeds texts with a frozen pre-trained sentence encoder.
type Cybertron struct {
	model textencoding.Interface
	name  string
}

// NewCybertron loads (downloading on first use) model into modelsDir.
func NewCybertron(modelsDir, model string, logger *slog.Logger) (*Cybertron, error) {
	if model == "" {
		model = DefaultModel
	}
	if logger != nil {
		logger.Info("loading text encoder", "model", model, "dir", modelsDir)
	}
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: load %s: %w", model, err)
	}
	return &Cybertron{model: m, name: model}, nil
}

// Embed implements Embedder with the model's default pooling.
func (c *Cybertron) Embed(ctx context.Context, texts []string) (*tensor.Dense, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedder: no texts")
	}
	var data []float64
	dim := 0
	for _, text := range texts {
		res, err := c.model.Encode(ctx, text, 0)
		if err != nil {
			return nil, fmt.Errorf("embedder: %s: %w", c.name, err)
		}
		vec := res.Vector.Data().F64()
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, fmt.Errorf("embedder: %s returned widths %d and %d", c.name, dim, len(vec))
		}
		data = append(data, vec...)
	}
	return tensor.New(tensor.WithShape(len(texts), dim), tensor.WithBacking(data)), nil
}
