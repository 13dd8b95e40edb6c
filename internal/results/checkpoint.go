package results

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"moco/internal/encoder"
)

// ErrIncompatible is returned when a checkpoint does not fit an encoder.
var ErrIncompatible = errors.New("results: checkpoint does not match encoder")

// SavedParam is one serialised parameter or buffer.
type SavedParam struct {
	Name      string
	Shape     []int
	Data      []float64
	Trainable bool
}

// Checkpoint is a snapshot of the query encoder.
type Checkpoint struct {
	Run     string
	Epoch   int
	Top1    float64
	Top5    float64
	Encoder encoder.Config
	Params  []SavedParam
}

// Snapshot copies every param of enc.
func Snapshot(enc *encoder.Encoder, run string, epoch int, top1, top5 float64) *Checkpoint {
	c := &Checkpoint{Run: run, Epoch: epoch, Top1: top1, Top5: top5, Encoder: enc.Config()}
	for _, p := range enc.Params() {
		c.Params = append(c.Params, SavedParam{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Value.Shape()...),
			Data:      append([]float64(nil), p.Data()...),
			Trainable: !p.Buffer(),
		})
	}
	return c
}

// Save writes c to path with encoding/gob, replacing any previous file.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("results: encode checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads a checkpoint written by Save.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	defer f.Close()
	var c Checkpoint
	if err := gob.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("results: decode %s: %w", path, err)
	}
	return &c, nil
}

// NewEncoder builds an encoder from the checkpoint's architecture and
// loads its values.
func (c *Checkpoint) NewEncoder(name string) (*encoder.Encoder, error) {
	enc, err := encoder.New(name, c.Encoder, nil)
	if err != nil {
		return nil, err
	}
	if err := c.Apply(enc); err != nil {
		return nil, err
	}
	return enc, nil
}

// Apply copies the saved values into enc. Every param of enc must be
// present with the same shape.
func (c *Checkpoint) Apply(enc *encoder.Encoder) error {
	saved := make(map[string]SavedParam, len(c.Params))
	for _, p := range c.Params {
		saved[p.Name] = p
	}
	params := enc.Params()
	for _, p := range params {
		s, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrIncompatible, p.Name)
		}
		if !slices.Equal(s.Shape, []int(p.Value.Shape())) || len(s.Data) != len(p.Data()) {
			return fmt.Errorf("%w: %s has shape %v, encoder wants %v", ErrIncompatible, p.Name, s.Shape, p.Value.Shape())
		}
	}
	for _, p := range params {
		copy(p.Data(), saved[p.Name].Data)
	}
	return nil
}

// ParamCount is the number of scalar values in the trainable params.
func (c *Checkpoint) ParamCount() int {
	n := 0
	for _, p := range c.Params {
		if p.Trainable {
			n += len(p.Data)
		}
	}
	return n
}
