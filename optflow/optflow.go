// Package optflow estimates per-point optical flow between two grayscale
// frames with the Lucas-Kanade method. Intensity gradients accumulated over
// a small window form a 2x2 structure matrix, and the local displacement is
// its least-squares solution, so low-texture patches degrade to a partial
// or zero estimate instead of failing.
package optflow

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/ridgeline-vision/feattrack/frame"
)

// Config contains the parameters needed to estimate flow at a point.
type Config struct {
	WindowRadius int `json:"window_radius"`
}

// DefaultConfig returns flow parameters that work well for features a few
// pixels wide.
func DefaultConfig() *Config {
	return &Config{WindowRadius: 5}
}

// Validate ensures all parts of the Config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.WindowRadius < 1 {
		return utils.NewConfigValidationError(path, errors.New("window_radius should be >= 1"))
	}
	return nil
}

// Estimate returns the displacement of the image patch centered at the given
// point between previous and current. The window spans WindowRadius pixels
// on each side of the point, gradients are sampled on the current frame, and
// the linear system is solved through its SVD so a singular structure matrix
// yields the minimum-norm displacement rather than an error. A window with
// no gradient at all reports zero flow.
func Estimate(current, previous *frame.Gray, at r2.Point, cfg *Config) (r2.Point, error) {
	if current == nil || previous == nil {
		return r2.Point{}, errors.New("flow estimation needs a current and a previous frame")
	}
	if !current.SameSize(previous) {
		return r2.Point{}, errors.Errorf(
			"frame sizes differ: %dx%d vs %dx%d",
			current.Width(), current.Height(), previous.Width(), previous.Height(),
		)
	}
	if cfg == nil {
		return r2.Point{}, errors.New("flow config cannot be nil")
	}

	cx := int(math.Round(at.X))
	cy := int(math.Round(at.Y))
	r := cfg.WindowRadius

	var m11, m12, m22, b1, b2 float64
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			gx := current.PartialX(x, y)
			gy := current.PartialY(x, y)
			dt := current.At(x, y) - previous.At(x, y)
			m11 += gx * gx
			m12 += gx * gy
			m22 += gy * gy
			b1 += gx * dt
			b2 += gy * dt
		}
	}

	m := mat.NewDense(2, 2, []float64{m11, m12, m12, m22})
	rhs := mat.NewVecDense(2, []float64{-b1, -b2})

	var svd mat.SVD
	ok := svd.Factorize(m, mat.SVDFull)
	if !ok {
		return r2.Point{}, errors.New("failed to factorize structure matrix")
	}
	// Determine the rank of the structure matrix with a near zero condition threshold.
	const rcond = 1e-15
	rank := svd.Rank(rcond)
	if rank == 0 {
		return r2.Point{}, nil
	}
	var sol mat.Dense
	svd.SolveTo(&sol, rhs, rank)
	return r2.Point{X: sol.At(0, 0), Y: sol.At(1, 0)}, nil
}
