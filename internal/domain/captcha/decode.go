package captcha

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"
	"strings"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// DecodeImage parses an encoded challenge image. It accepts a data URI
// ("data:image/...;base64,...") or a bare base64 payload.
func DecodeImage(encoded string) (image.Image, error) {
	payload := strings.TrimSpace(encoded)
	if payload == "" {
		return nil, shared.DecodeError("DecodeImage", "empty challenge image", nil)
	}

	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, shared.DecodeError("DecodeImage", "malformed data URI", nil)
		}
		if !strings.Contains(payload[:comma], ";base64") {
			return nil, shared.DecodeError("DecodeImage", "data URI is not base64 encoded", nil)
		}
		payload = payload[comma+1:]
	}

	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, shared.DecodeError("DecodeImage", "invalid base64 payload", err)
		}
	}

	return DecodeRaw(raw)
}

// DecodeRaw decodes raw PNG, JPEG or GIF bytes.
func DecodeRaw(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, shared.DecodeError("DecodeRaw", "unsupported or corrupt image", err)
	}
	return img, nil
}

func checkResolution(op string, img image.Image, rows, cols int) error {
	b := img.Bounds()
	if b.Dx() != cols || b.Dy() != rows {
		return shared.DecodeError(op,
			fmt.Sprintf("expected %dx%d image, got %dx%d", cols, rows, b.Dx(), b.Dy()), nil)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PIPELINE A: GRAYSCALE + CLEANING
// ══════════════════════════════════════════════════════════════════════════════

// GrayscaleGrid converts a 179x44 image into a cleaned 44x179 intensity grid.
func GrayscaleGrid(img image.Image) (*Grid, error) {
	if err := checkResolution("GrayscaleGrid", img, TemplateGridRows, TemplateGridCols); err != nil {
		return nil, err
	}

	b := img.Bounds()
	g := NewGrid(TemplateGridRows, TemplateGridCols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			gray := color.GrayModel.Convert(img.At(b.Min.X+c, b.Min.Y+r)).(color.Gray)
			g.Set(r, c, int(gray.Y))
		}
	}

	Clean(g)
	return g, nil
}

// Clean flattens isolated ink and intermediate intensities to background.
// Interior pixels are visited row-major and rewritten in place, so a pixel
// sees the already-cleaned values of its upper and left neighbours.
func Clean(g *Grid) {
	for r := 1; r < g.Rows-1; r++ {
		for c := 1; c < g.Cols-1; c++ {
			v := g.At(r, c)
			switch {
			case v != Ink && v != Background:
				g.Set(r, c, Background)
			case v == Ink && g.At(r, c-1) == Background && g.At(r, c+1) == Background:
				g.Set(r, c, Background)
			case v == Ink && g.At(r-1, c) == Background && g.At(r+1, c) == Background:
				g.Set(r, c, Background)
			}
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PIPELINE B: SATURATION + CELLS
// ══════════════════════════════════════════════════════════════════════════════

// Cell geometry for the linear classifier.
const (
	CellRows     = 22
	CellCols     = 24
	CellFeatures = CellRows * CellCols
)

// Saturation returns round((max-min)*255/max) for 8-bit channels, 0 for black.
func Saturation(r, g, b uint8) int {
	hi := max(r, g, b)
	lo := min(r, g, b)
	if hi == 0 {
		return 0
	}
	return int(math.Round(float64(hi-lo) * 255 / float64(hi)))
}

// SaturationGrid converts a 200x40 image into a 40x200 saturation grid.
func SaturationGrid(img image.Image) (*Grid, error) {
	if err := checkResolution("SaturationGrid", img, LinearGridRows, LinearGridCols); err != nil {
		return nil, err
	}

	b := img.Bounds()
	g := NewGrid(LinearGridRows, LinearGridCols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			px := color.RGBAModel.Convert(img.At(b.Min.X+c, b.Min.Y+r)).(color.RGBA)
			g.Set(r, c, Saturation(px.R, px.G, px.B))
		}
	}
	return g, nil
}

// CellBounds returns the row and column ranges of cell i (0..5).
func CellBounds(i int) (r0, r1, c0, c1 int) {
	c0 = (i+1)*25 + 2
	c1 = (i+2)*25 + 1
	r0 = 8 + 5*(i%2)
	r1 = 35 - 5*((i+1)%2)
	return r0, r1, c0, c1
}

// Cells slices the six character cells out of a saturation grid.
func Cells(g *Grid) ([GuessLength]*Grid, error) {
	var cells [GuessLength]*Grid
	if g.Rows != LinearGridRows || g.Cols != LinearGridCols {
		return cells, shared.DecodeError("Cells",
			fmt.Sprintf("expected %dx%d grid, got %dx%d", LinearGridRows, LinearGridCols, g.Rows, g.Cols), nil)
	}
	for i := range cells {
		r0, r1, c0, c1 := CellBounds(i)
		cells[i] = g.Slice(r0, r1, c0, c1)
	}
	return cells, nil
}

// Binarize maps each cell value to 1 when it exceeds the cell mean, else 0,
// flattened row-major.
func Binarize(cell *Grid) []float64 {
	mean := cell.Mean()
	out := make([]float64, len(cell.Pix))
	for i, v := range cell.Pix {
		if float64(v) > mean {
			out[i] = 1
		}
	}
	return out
}
