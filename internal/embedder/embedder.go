// Package embedder turns text into fixed-width feature vectors so text
// corpora can feed the contrastive trainer like any other dataset.
package embedder

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"gorgonia.org/tensor"
)

// Embedder maps a batch of texts to an (N, Dim) matrix.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*tensor.Dense, error)
}

// Hash is a deterministic offline embedder: every lower-cased word seeds a
// random vector in [-1, 1) from its MD5 digest and a text is the mean of its
// word vectors. Texts sharing words land close together.
type Hash struct {
	dim   int
	cache map[string][]float64
}

// NewHash creates a hash embedder of the given width.
func NewHash(dim int) (*Hash, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedder: dim must be positive, got %d", dim)
	}
	return &Hash{dim: dim, cache: make(map[string][]float64)}, nil
}

// Dim is the output width.
func (h *Hash) Dim() int { return h.dim }

func (h *Hash) word(w string) []float64 {
	if v, ok := h.cache[w]; ok {
		return v
	}
	sum := md5.Sum([]byte(w))
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	v := make([]float64, h.dim)
	for i := range v {
		v[i] = r.Float64()*2 - 1
	}
	h.cache[w] = v
	return v
}

// Embed implements Embedder. An empty text embeds to the zero vector.
func (h *Hash) Embed(ctx context.Context, texts []string) (*tensor.Dense, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedder: no texts")
	}
	data := make([]float64, len(texts)*h.dim)
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words := strings.Fields(strings.ToLower(text))
		row := data[i*h.dim : (i+1)*h.dim]
		for _, w := range words {
			for j, v := range h.word(w) {
				row[j] += v
			}
		}
		if n := float64(len(words)); n > 0 {
			for j := range row {
				row[j] /= n
			}
		}
	}
	return tensor.New(tensor.WithShape(len(texts), h.dim), tensor.WithBacking(data)), nil
}
