// Package results persists training progress: the per-epoch statistics
// table and the best query-encoder checkpoint.
package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Row is one epoch of statistics.
type Row struct {
	Epoch     int
	TrainLoss float64
	Top1      float64
	Top5      float64
}

var header = []string{"epoch", "train_loss", "test_acc@1", "test_acc@5"}

// Table accumulates rows and rewrites its CSV file after every Append, so
// the file always holds the complete history.
type Table struct {
	path string
	rows []Row
}

// NewTable creates a table written to path. Nothing is written until the
// first Append.
func NewTable(path string) *Table { return &Table{path: path} }

// Path is the CSV location.
func (t *Table) Path() string { return t.path }

// Rows returns the rows appended so far.
func (t *Table) Rows() []Row { return append([]Row(nil), t.rows...) }

// Append adds r and rewrites the file.
func (t *Table) Append(r Row) error {
	t.rows = append(t.rows, r)
	return t.flush()
}

func (t *Table) flush() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write(header)
	for _, r := range t.rows {
		_ = w.Write([]string{
			strconv.Itoa(r.Epoch),
			strconv.FormatFloat(r.TrainLoss, 'g', -1, 64),
			strconv.FormatFloat(r.Top1, 'g', -1, 64),
			strconv.FormatFloat(r.Top5, 'g', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("results: write %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	return nil
}

// ReadTable parses a CSV written by Table.
func ReadTable(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("results: %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("results: %s: missing header", path)
	}
	rows := make([]Row, 0, len(recs)-1)
	for i, rec := range recs[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("results: %s line %d: %d fields", path, i+2, len(rec))
		}
		var r Row
		var errs [4]error
		r.Epoch, errs[0] = strconv.Atoi(rec[0])
		r.TrainLoss, errs[1] = strconv.ParseFloat(rec[1], 64)
		r.Top1, errs[2] = strconv.ParseFloat(rec[2], 64)
		r.Top5, errs[3] = strconv.ParseFloat(rec[3], 64)
		for _, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("results: %s line %d: %w", path, i+2, err)
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}
