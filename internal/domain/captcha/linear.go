package captcha

import (
	"fmt"
	"image"
	"math"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// LinearAlphabet is the output alphabet of the linear classifier, indexed by weight column.
const LinearAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Weights is the immutable weight matrix (CellFeatures x len(LinearAlphabet)) and bias
// vector of the linear classifier.
type Weights struct {
	W [][]float64
	B []float64
}

// Validate checks the matrix shape against the cell geometry and the alphabet.
func (w *Weights) Validate() error {
	classes := len(LinearAlphabet)
	if len(w.W) != CellFeatures {
		return shared.NewDomainError("captcha", "Weights.Validate", shared.ErrInvalidInput,
			fmt.Sprintf("weight matrix has %d rows, want %d", len(w.W), CellFeatures))
	}
	for i, row := range w.W {
		if len(row) != classes {
			return shared.NewDomainError("captcha", "Weights.Validate", shared.ErrInvalidInput,
				fmt.Sprintf("weight row %d has %d columns, want %d", i, len(row), classes))
		}
	}
	if len(w.B) != classes {
		return shared.NewDomainError("captcha", "Weights.Validate", shared.ErrInvalidInput,
			fmt.Sprintf("bias vector has %d entries, want %d", len(w.B), classes))
	}
	return nil
}

// LinearClassifier projects each binarized cell through the weights and picks the
// most probable symbol.
type LinearClassifier struct {
	weights *Weights
}

// NewLinearClassifier creates a classifier; the weights must already be validated.
func NewLinearClassifier(w *Weights) *LinearClassifier {
	return &LinearClassifier{weights: w}
}

// Name implements Classifier.
func (l *LinearClassifier) Name() string { return "linear" }

// Geometry implements Classifier.
func (l *LinearClassifier) Geometry() (rows, cols int) { return LinearGridRows, LinearGridCols }

// Alphabet implements Classifier.
func (l *LinearClassifier) Alphabet() string { return LinearAlphabet }

// Prepare implements Classifier.
func (l *LinearClassifier) Prepare(img image.Image) (*Grid, error) {
	return SaturationGrid(img)
}

// Classify implements Classifier.
func (l *LinearClassifier) Classify(g *Grid) (string, error) {
	cells, err := Cells(g)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, GuessLength)
	for _, cell := range cells {
		probs := Softmax(l.logits(Binarize(cell)))
		out = append(out, LinearAlphabet[ArgMax(probs)])
	}
	return string(out), nil
}

func (l *LinearClassifier) logits(v []float64) []float64 {
	z := make([]float64, len(l.weights.B))
	copy(z, l.weights.B)
	for i, x := range v {
		if x == 0 {
			continue
		}
		for j, w := range l.weights.W[i] {
			z[j] += x * w
		}
	}
	return z
}

// Softmax returns the normalized exponentials of z, shifted by max(z) for stability.
func Softmax(z []float64) []float64 {
	if len(z) == 0 {
		return nil
	}
	hi := z[0]
	for _, v := range z[1:] {
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ArgMax returns the index of the largest value; ties go to the lowest index.
func ArgMax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
