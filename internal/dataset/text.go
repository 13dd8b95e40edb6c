package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"moco/internal/embedder"
)

// embedBatch is how many texts are sent to the embedder at once.
const embedBatch = 64

// Vocab assigns class indices to label names in order of first appearance.
// Share one Vocab between the splits of a corpus.
type Vocab struct {
	index map[string]int
	names []string
}

// NewVocab creates an empty vocabulary.
func NewVocab() *Vocab { return &Vocab{index: make(map[string]int)} }

func (v *Vocab) id(name string) int {
	if i, ok := v.index[name]; ok {
		return i
	}
	v.index[name] = len(v.names)
	v.names = append(v.names, name)
	return len(v.names) - 1
}

// Names lists the labels by class index.
func (v *Vocab) Names() []string { return append([]string(nil), v.names...) }

// Len is the number of labels seen.
func (v *Vocab) Len() int { return len(v.names) }

// Text is a labelled text corpus embedded into feature vectors.
type Text struct {
	*Memory
	vocab *Vocab
}

// Vocab is the label vocabulary of the corpus.
func (t *Text) Vocab() *Vocab { return t.vocab }

// LoadTextFile opens path and calls ReadText.
func LoadTextFile(ctx context.Context, path string, emb embedder.Embedder, vocab *Vocab) (*Text, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()
	return ReadText(ctx, f, emb, vocab)
}

// ReadText parses "label<TAB>text" lines, skipping blank lines and lines
// starting with '#', and embeds the texts. vocab may be nil.
func ReadText(ctx context.Context, r io.Reader, emb embedder.Embedder, vocab *Vocab) (*Text, error) {
	if vocab == nil {
		vocab = NewVocab()
	}
	var texts []string
	var labels []int
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		label, text, ok := strings.Cut(s, "\t")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("dataset: line %d: want label<TAB>text", line)
		}
		labels = append(labels, vocab.id(strings.TrimSpace(label)))
		texts = append(texts, strings.TrimSpace(text))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("dataset: no samples")
	}

	var data []float64
	dim := 0
	for start := 0; start < len(texts); start += embedBatch {
		end := min(start+embedBatch, len(texts))
		x, err := emb.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = x.Shape()[1]
		} else if x.Shape()[1] != dim {
			return nil, fmt.Errorf("dataset: embedding width changed from %d to %d", dim, x.Shape()[1])
		}
		data = append(data, x.Data().([]float64)...)
	}
	m, err := NewMemory(data, labels, dim, vocab.Len())
	if err != nil {
		return nil, err
	}
	return &Text{Memory: m, vocab: vocab}, nil
}
