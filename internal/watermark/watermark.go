// Package watermark renders the visible preview watermark: a 4×4 grid of
// the product name, each instance rotated 30°, in a translucent warm tone
// with a thin dark stroke and a soft drop shadow, composited over the
// full-resolution output and re-encoded as a quality-85 baseline JPEG.
//
// The exact rendering is part of the product's visual identity; preview
// images must look the same regardless of which backend build produced them.
package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding for upstream outputs

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

const (
	gridCols = 4
	gridRows = 4
	angleDeg = 30
	quality  = 85
)

// Marker stamps images with a tiled text watermark. Safe for concurrent use
// after construction.
type Marker struct {
	text string
	fnt  *opentype.Font
}

// New parses the embedded font and returns a Marker for the given text.
func New(text string) (*Marker, error) {
	fnt, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("watermark: parse font: %w", err)
	}
	return &Marker{text: text, fnt: fnt}, nil
}

// Apply decodes src, composites the watermark grid over it, and returns the
// result as a quality-85 JPEG. The input image is not modified.
func (m *Marker) Apply(src []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("watermark: decode image: %w", err)
	}

	bounds := img.Bounds()
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	// Scale the face to the tile grid so the mark covers the image evenly
	// at any resolution.
	size := w / (gridCols * 4.5)
	if size < 12 {
		size = 12
	}
	face, err := opentype.NewFace(m.fnt, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("watermark: build face: %w", err)
	}
	defer face.Close()

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(face)

	cellW := w / gridCols
	cellH := h / gridRows
	for row := 0; row < gridRows; row++ {
		for col := 0; col < gridCols; col++ {
			cx := (float64(col) + 0.5) * cellW
			cy := (float64(row) + 0.5) * cellH
			m.stamp(dc, cx, cy)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("watermark: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// stamp draws one rotated watermark instance centered at (cx, cy):
// soft shadow, then a thin stroke ring, then the warm translucent fill.
func (m *Marker) stamp(dc *gg.Context, cx, cy float64) {
	dc.Push()
	dc.RotateAbout(gg.Radians(-angleDeg), cx, cy)

	// drop shadow
	dc.SetRGBA(0, 0, 0, 0.18)
	dc.DrawStringAnchored(m.text, cx+2, cy+2, 0.5, 0.5)

	// thin contrasting stroke
	dc.SetRGBA(0.15, 0.08, 0.03, 0.45)
	for _, d := range [][2]float64{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		dc.DrawStringAnchored(m.text, cx+d[0], cy+d[1], 0.5, 0.5)
	}

	// warm translucent fill
	dc.SetRGBA(1.0, 0.72, 0.45, 0.40)
	dc.DrawStringAnchored(m.text, cx, cy, 0.5, 0.5)

	dc.Pop()
}
