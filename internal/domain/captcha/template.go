package captcha

import (
	"fmt"
	"image"
	"strings"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// TemplateAlphabet is the symbol table of the template matcher, in tie-break order.
const TemplateAlphabet = "123456789ABCDEFGHIJKLMNPQRSTUVWXYZ"

// Template bitmap geometry and band placement.
const (
	TemplateRows = 32
	TemplateCols = 30

	bandRowOffset = 12
	bandWidth     = 30
)

// Bitmap is a 32x30 character template; true marks ink.
type Bitmap [TemplateRows][TemplateCols]bool

// InkCount returns the number of ink pixels in the bitmap.
func (b *Bitmap) InkCount() int {
	n := 0
	for x := range b {
		for y := range b[x] {
			if b[x][y] {
				n++
			}
		}
	}
	return n
}

// TemplateSet holds one bitmap per symbol of TemplateAlphabet. It is immutable after load.
type TemplateSet struct {
	bitmaps [len(TemplateAlphabet)]Bitmap
}

// NewTemplateSet builds a set from a symbol→bitmap map. Every alphabet symbol must be present
// and every bitmap must carry at least one ink pixel.
func NewTemplateSet(bitmaps map[string]Bitmap) (*TemplateSet, error) {
	set := &TemplateSet{}
	var missing []string
	for i, sym := range TemplateAlphabet {
		bm, ok := bitmaps[string(sym)]
		if !ok {
			missing = append(missing, string(sym))
			continue
		}
		if bm.InkCount() == 0 {
			return nil, shared.NewDomainError("captcha", "NewTemplateSet", shared.ErrInvalidInput,
				fmt.Sprintf("template %q has no ink", string(sym)))
		}
		set.bitmaps[i] = bm
	}
	if len(missing) > 0 {
		return nil, shared.NewDomainError("captcha", "NewTemplateSet", shared.ErrInvalidInput,
			"missing templates for "+strings.Join(missing, ","))
	}
	return set, nil
}

// Bitmap returns the template for a symbol.
func (s *TemplateSet) Bitmap(symbol byte) (Bitmap, bool) {
	i := strings.IndexByte(TemplateAlphabet, symbol)
	if i < 0 {
		return Bitmap{}, false
	}
	return s.bitmaps[i], true
}

// ══════════════════════════════════════════════════════════════════════════════
// MATCHER
// ══════════════════════════════════════════════════════════════════════════════

// TemplateMatcher correlates each of the six bands of a cleaned grid with every template.
type TemplateMatcher struct {
	set *TemplateSet
}

// NewTemplateMatcher creates a matcher over an immutable template set.
func NewTemplateMatcher(set *TemplateSet) *TemplateMatcher {
	return &TemplateMatcher{set: set}
}

// Name implements Classifier.
func (m *TemplateMatcher) Name() string { return "template" }

// Geometry implements Classifier.
func (m *TemplateMatcher) Geometry() (rows, cols int) { return TemplateGridRows, TemplateGridCols }

// Alphabet implements Classifier.
func (m *TemplateMatcher) Alphabet() string { return TemplateAlphabet }

// Prepare implements Classifier.
func (m *TemplateMatcher) Prepare(img image.Image) (*Grid, error) {
	return GrayscaleGrid(img)
}

// Score returns the fraction of template ink that is also ink in band k of g.
// Pixels outside the grid count as background.
func Score(g *Grid, tmpl *Bitmap, band int) float64 {
	colOffset := band * bandWidth
	var ink, matched int
	for x := 0; x < TemplateRows; x++ {
		for y := 0; y < TemplateCols; y++ {
			if !tmpl[x][y] {
				continue
			}
			ink++
			r, c := x+bandRowOffset, y+colOffset
			if g.InBounds(r, c) && g.At(r, c) == Ink {
				matched++
			}
		}
	}
	if ink == 0 {
		return 0
	}
	return float64(matched) / float64(ink)
}

// Classify implements Classifier. The highest score wins each band; ties go to the
// symbol that comes first in TemplateAlphabet.
func (m *TemplateMatcher) Classify(g *Grid) (string, error) {
	if g.Rows != TemplateGridRows || g.Cols != TemplateGridCols {
		return "", shared.DecodeError("TemplateMatcher.Classify",
			fmt.Sprintf("expected %dx%d grid, got %dx%d", TemplateGridRows, TemplateGridCols, g.Rows, g.Cols), nil)
	}

	out := make([]byte, 0, GuessLength)
	for band := 0; band < GuessLength; band++ {
		best, bestScore := 0, -1.0
		for i := range m.set.bitmaps {
			if s := Score(g, &m.set.bitmaps[i], band); s > bestScore {
				best, bestScore = i, s
			}
		}
		out = append(out, TemplateAlphabet[best])
	}
	return string(out), nil
}
