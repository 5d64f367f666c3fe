package captcha

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// Model files are JSON and are provisioned per deployment (see models/README.md):
//
//	templates: {"1": [[...30 ints] x 32], "2": ..., ...}   0 = ink, anything else = background
//	weights:   {"weights": [[...32 floats] x 528], "biases": [...32 floats]}
//
// The template file needs one bitmap for every symbol of TemplateAlphabet. Weight row
// r*CellCols+c belongs to cell pixel (r, c); weight and bias columns follow LinearAlphabet.

// LoadTemplates parses a template set.
func LoadTemplates(r io.Reader) (*TemplateSet, error) {
	var raw map[string][][]int
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, shared.WrapError("captcha", "LoadTemplates", shared.ErrInvalidInput, "invalid template JSON", err)
	}

	bitmaps := make(map[string]Bitmap, len(raw))
	for sym, rows := range raw {
		if len(rows) != TemplateRows {
			return nil, shared.NewDomainError("captcha", "LoadTemplates", shared.ErrInvalidInput,
				fmt.Sprintf("template %q has %d rows, want %d", sym, len(rows), TemplateRows))
		}
		var bm Bitmap
		for x, row := range rows {
			if len(row) != TemplateCols {
				return nil, shared.NewDomainError("captcha", "LoadTemplates", shared.ErrInvalidInput,
					fmt.Sprintf("template %q row %d has %d columns, want %d", sym, x, len(row), TemplateCols))
			}
			for y, v := range row {
				bm[x][y] = v == Ink
			}
		}
		bitmaps[sym] = bm
	}

	return NewTemplateSet(bitmaps)
}

// LoadWeights parses and validates classifier weights.
func LoadWeights(r io.Reader) (*Weights, error) {
	var raw struct {
		Weights [][]float64 `json:"weights"`
		Biases  []float64   `json:"biases"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, shared.WrapError("captcha", "LoadWeights", shared.ErrInvalidInput, "invalid weights JSON", err)
	}

	w := &Weights{W: raw.Weights, B: raw.Biases}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadTemplatesFile reads a template set from disk.
func LoadTemplatesFile(path string) (*TemplateSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open templates: %w", err)
	}
	defer f.Close()
	return LoadTemplates(f)
}

// LoadWeightsFile reads classifier weights from disk.
func LoadWeightsFile(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()
	return LoadWeights(f)
}

// LoadSolver builds a solver from the configured model files. An empty path or a missing
// file disables that pipeline; a present but invalid file is an error. The returned
// slice names the disabled pipelines.
func LoadSolver(templatesPath, weightsPath string) (*Solver, []string, error) {
	var (
		classifiers []Classifier
		disabled    []string
	)

	if exists(templatesPath) {
		set, err := LoadTemplatesFile(templatesPath)
		if err != nil {
			return nil, nil, err
		}
		classifiers = append(classifiers, NewTemplateMatcher(set))
	} else {
		disabled = append(disabled, "template")
	}

	if exists(weightsPath) {
		w, err := LoadWeightsFile(weightsPath)
		if err != nil {
			return nil, nil, err
		}
		classifiers = append(classifiers, NewLinearClassifier(w))
	} else {
		disabled = append(disabled, "linear")
	}

	return NewSolver(classifiers...), disabled, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
