// Package frame holds the grayscale raster sampled by the optical flow
// estimator. Intensities are float64 so gradient arithmetic stays in one
// numeric domain, and reads outside the raster clamp to the nearest edge
// pixel so gradients remain defined on the border.
package frame

import (
	"image"

	"github.com/pkg/errors"
)

// Gray is a dense grayscale raster in row-major order.
type Gray struct {
	width  int
	height int
	pix    []float64
}

// NewGray returns a zeroed raster of the given size.
func NewGray(width, height int) (*Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("frame dimensions must be positive, got %dx%d", width, height)
	}
	return &Gray{width: width, height: height, pix: make([]float64, width*height)}, nil
}

// FromImage copies img into a float64 raster.
func FromImage(img *image.Gray) (*Gray, error) {
	if img == nil {
		return nil, errors.New("cannot build a frame from a nil image")
	}
	b := img.Bounds()
	g, err := NewGray(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.pix[g.kxy(x-b.Min.X, y-b.Min.Y)] = float64(img.GrayAt(x, y).Y)
		}
	}
	return g, nil
}

func (g *Gray) kxy(x, y int) int {
	return y*g.width + x
}

// Width returns the raster width in pixels.
func (g *Gray) Width() int {
	return g.width
}

// Height returns the raster height in pixels.
func (g *Gray) Height() int {
	return g.height
}

// Bounds returns the raster extent anchored at the origin.
func (g *Gray) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.width, g.height)
}

// In reports whether (x, y) lies inside the raster.
func (g *Gray) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.width && y < g.height
}

// SameSize reports whether other has identical dimensions.
func (g *Gray) SameSize(other *Gray) bool {
	return other != nil && g.width == other.width && g.height == other.height
}

// At returns the intensity at (x, y), clamping coordinates to the raster.
func (g *Gray) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= g.width {
		x = g.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.height {
		y = g.height - 1
	}
	return g.pix[g.kxy(x, y)]
}

// Set writes the intensity at (x, y).
func (g *Gray) Set(x, y int, v float64) {
	g.pix[g.kxy(x, y)] = v
}

// PartialX is the central-difference intensity gradient along x at (x, y).
func (g *Gray) PartialX(x, y int) float64 {
	return (g.At(x+1, y) - g.At(x-1, y)) / 2
}

// PartialY is the central-difference intensity gradient along y at (x, y).
func (g *Gray) PartialY(x, y int) float64 {
	return (g.At(x, y+1) - g.At(x, y-1)) / 2
}
