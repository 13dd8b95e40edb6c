package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
)

// CIFAR-10 binary layout: one label byte then a 3×32×32 CHW image.
const (
	cifarSide     = 32
	cifarChannels = 3
	cifarPixels   = cifarSide * cifarSide
	cifarDim      = cifarChannels * cifarPixels
	cifarRecord   = 1 + cifarDim
	cifarClasses  = 10
)

var (
	cifarTrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	cifarTestFiles  = []string{"test_batch.bin"}

	// Per-channel normalisation constants of CIFAR-10.
	cifarMean = [cifarChannels]float64{0.4914, 0.4822, 0.4465}
	cifarStd  = [cifarChannels]float64{0.2023, 0.1994, 0.2010}
)

// CIFAR10 is the CIFAR-10 image set held as raw bytes. Samples are
// 3072-wide CHW vectors scaled to [0, 1].
type CIFAR10 struct {
	images []byte
	labels []int
}

// LoadCIFAR10 reads the train or test split from the binary distribution
// in dir (cifar-10-batches-bin).
func LoadCIFAR10(dir string, train bool) (*CIFAR10, error) {
	files := cifarTestFiles
	if train {
		files = cifarTrainFiles
	}
	c := &CIFAR10{}
	for _, name := range files {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
		err = c.read(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", name, err)
		}
	}
	return c, nil
}

// ReadCIFAR10 decodes records from r.
func ReadCIFAR10(r io.Reader) (*CIFAR10, error) {
	c := &CIFAR10{}
	if err := c.read(r); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return c, nil
}

func (c *CIFAR10) read(r io.Reader) error {
	br := bufio.NewReader(r)
	rec := make([]byte, cifarRecord)
	for {
		_, err := io.ReadFull(br, rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("truncated record %d", len(c.labels))
		}
		if err != nil {
			return err
		}
		if rec[0] >= cifarClasses {
			return fmt.Errorf("record %d has label %d", len(c.labels), rec[0])
		}
		c.labels = append(c.labels, int(rec[0]))
		c.images = append(c.images, rec[1:]...)
	}
}

func (c *CIFAR10) Len() int     { return len(c.labels) }
func (c *CIFAR10) Dim() int     { return cifarDim }
func (c *CIFAR10) Classes() int { return cifarClasses }

// Sample returns a freshly allocated image vector.
func (c *CIFAR10) Sample(i int) ([]float64, int) {
	raw := c.images[i*cifarDim : (i+1)*cifarDim]
	out := make([]float64, cifarDim)
	for j, b := range raw {
		out[j] = float64(b) / 255
	}
	return out, c.labels[i]
}

// CIFARTest normalises each channel.
func CIFARTest(x []float64, _ *rand.Rand) []float64 {
	out := append([]float64(nil), x...)
	normalize(out)
	return out
}

// CIFARTrain applies the augmentation pipeline: a random 32×32 crop of the
// image zero-padded by 4, a horizontal flip with p = 0.5, conversion to
// grayscale with p = 0.2, then channel normalisation.
func CIFARTrain(x []float64, rng *rand.Rand) []float64 {
	out := cropPadded(x, 4, rng.Intn(9), rng.Intn(9))
	if rng.Float64() < 0.5 {
		flip(out)
	}
	if rng.Float64() < 0.2 {
		grayscale(out)
	}
	normalize(out)
	return out
}

// cropPadded takes the window at (top, left) of x padded by pad on every
// side.
func cropPadded(x []float64, pad, top, left int) []float64 {
	out := make([]float64, cifarDim)
	for ch := 0; ch < cifarChannels; ch++ {
		for y := 0; y < cifarSide; y++ {
			sy := y + top - pad
			if sy < 0 || sy >= cifarSide {
				continue
			}
			for xx := 0; xx < cifarSide; xx++ {
				sx := xx + left - pad
				if sx < 0 || sx >= cifarSide {
					continue
				}
				out[ch*cifarPixels+y*cifarSide+xx] = x[ch*cifarPixels+sy*cifarSide+sx]
			}
		}
	}
	return out
}

func flip(x []float64) {
	for ch := 0; ch < cifarChannels; ch++ {
		for y := 0; y < cifarSide; y++ {
			row := x[ch*cifarPixels+y*cifarSide : ch*cifarPixels+(y+1)*cifarSide]
			for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// grayscale replaces every channel by the ITU-R 601 luma.
func grayscale(x []float64) {
	r, g, b := x[:cifarPixels], x[cifarPixels:2*cifarPixels], x[2*cifarPixels:]
	for i := 0; i < cifarPixels; i++ {
		l := 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
		r[i], g[i], b[i] = l, l, l
	}
}

func normalize(x []float64) {
	for ch := 0; ch < cifarChannels; ch++ {
		plane := x[ch*cifarPixels : (ch+1)*cifarPixels]
		for i, v := range plane {
			plane[i] = (v - cifarMean[ch]) / cifarStd[ch]
		}
	}
}
