// Package captcha turns the portal's inbuilt captcha image into a six-character guess.
//
// Two recognition pipelines coexist and never share state:
//
//   - the template matcher works on a cleaned 44x179 grayscale grid and correlates six
//     fixed bands against a 32x30 bitmap per symbol of TemplateAlphabet;
//   - the linear classifier works on a 40x200 saturation grid, slices six 22x24 cells,
//     binarizes each against its own mean and projects it through a weight matrix into
//     LinearAlphabet.
//
// The pipeline is chosen by the resolution of the decoded image. Images are never
// cropped or resized; a resolution that matches no pipeline is a decode error.
package captcha

// GuessLength is the number of characters every classifier produces.
const GuessLength = 6

// Grid geometry for each pipeline (rows x columns).
const (
	TemplateGridRows = 44
	TemplateGridCols = 179

	LinearGridRows = 40
	LinearGridCols = 200
)

// Intensity values used by the template pipeline.
const (
	Ink        = 0
	Background = 255
)

// Grid is a rectangular grid of integer intensities stored row-major.
type Grid struct {
	Rows int
	Cols int
	Pix  []int
}

// NewGrid allocates a zeroed grid.
func NewGrid(rows, cols int) *Grid {
	return &Grid{Rows: rows, Cols: cols, Pix: make([]int, rows*cols)}
}

// NewFilledGrid allocates a grid with every cell set to v.
func NewFilledGrid(rows, cols, v int) *Grid {
	g := NewGrid(rows, cols)
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

// At returns the value at row r, column c.
func (g *Grid) At(r, c int) int {
	return g.Pix[r*g.Cols+c]
}

// Set stores v at row r, column c.
func (g *Grid) Set(r, c, v int) {
	g.Pix[r*g.Cols+c] = v
}

// InBounds reports whether (r, c) addresses a cell of the grid.
func (g *Grid) InBounds(r, c int) bool {
	return r >= 0 && r < g.Rows && c >= 0 && c < g.Cols
}

// Slice copies rows [r0, r1) and columns [c0, c1) into a new grid.
func (g *Grid) Slice(r0, r1, c0, c1 int) *Grid {
	out := NewGrid(r1-r0, c1-c0)
	for r := r0; r < r1; r++ {
		copy(out.Pix[(r-r0)*out.Cols:(r-r0+1)*out.Cols], g.Pix[r*g.Cols+c0:r*g.Cols+c1])
	}
	return out
}

// Mean returns the arithmetic mean of all cells.
func (g *Grid) Mean() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	sum := 0
	for _, v := range g.Pix {
		sum += v
	}
	return float64(sum) / float64(len(g.Pix))
}

// Equal reports whether two grids have the same shape and contents.
func (g *Grid) Equal(other *Grid) bool {
	if other == nil || g.Rows != other.Rows || g.Cols != other.Cols {
		return false
	}
	for i, v := range g.Pix {
		if other.Pix[i] != v {
			return false
		}
	}
	return true
}
