package captcha

import (
	"fmt"
	"image"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// Classifier is one recognition pipeline: it owns its grid geometry, its preprocessing
// and its alphabet.
type Classifier interface {
	Name() string
	Geometry() (rows, cols int)
	Alphabet() string
	Prepare(img image.Image) (*Grid, error)
	Classify(g *Grid) (string, error)
}

// Guess is the output of a solve.
type Guess struct {
	Text     string
	Pipeline string
}

// Solver dispatches a challenge image to the classifier whose geometry matches its resolution.
type Solver struct {
	classifiers []Classifier
}

// NewSolver builds a solver from the enabled pipelines. Nil classifiers are skipped.
func NewSolver(classifiers ...Classifier) *Solver {
	s := &Solver{}
	for _, c := range classifiers {
		if c != nil {
			s.classifiers = append(s.classifiers, c)
		}
	}
	return s
}

// Pipelines returns the names of the enabled pipelines.
func (s *Solver) Pipelines() []string {
	names := make([]string, 0, len(s.classifiers))
	for _, c := range s.classifiers {
		names = append(names, c.Name())
	}
	return names
}

// Solve decodes an encoded challenge and classifies it.
func (s *Solver) Solve(encoded string) (Guess, error) {
	img, err := DecodeImage(encoded)
	if err != nil {
		return Guess{}, err
	}
	return s.SolveImage(img)
}

// SolveImage classifies an already decoded image.
func (s *Solver) SolveImage(img image.Image) (Guess, error) {
	c, err := s.selectFor(img)
	if err != nil {
		return Guess{}, err
	}

	g, err := c.Prepare(img)
	if err != nil {
		return Guess{}, err
	}

	text, err := c.Classify(g)
	if err != nil {
		return Guess{}, err
	}
	if len(text) != GuessLength {
		return Guess{}, shared.DecodeError("Solve",
			fmt.Sprintf("%s pipeline produced %d characters", c.Name(), len(text)), nil)
	}

	return Guess{Text: text, Pipeline: c.Name()}, nil
}

func (s *Solver) selectFor(img image.Image) (Classifier, error) {
	b := img.Bounds()
	for _, c := range s.classifiers {
		rows, cols := c.Geometry()
		if b.Dx() == cols && b.Dy() == rows {
			return c, nil
		}
	}
	return nil, shared.DecodeError("Solve",
		fmt.Sprintf("no pipeline accepts a %dx%d image", b.Dx(), b.Dy()), nil)
}
