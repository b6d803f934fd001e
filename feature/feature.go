// Package feature holds the descriptor type produced by an external feature
// detector and the descriptor-space distance helpers used to match detections
// against a tracking template.
package feature

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Descriptor is a fixed-length feature vector sampled at a sub-pixel image
// position. Position follows the image convention: X is the column and Y is
// the row.
type Descriptor struct {
	Vector   []float64
	Position r2.Point
}

// Set is a validated collection of descriptors sharing one dimensionality.
// Sets are immutable after construction and must outlive any index built
// over them.
type Set struct {
	descs []Descriptor
	dim   int
}

// NewSet validates descs and wraps them in a Set. Construction fails on an
// empty slice, a zero-length vector, or mismatched vector lengths; no
// partial Set is returned.
func NewSet(descs []Descriptor) (*Set, error) {
	if len(descs) == 0 {
		return nil, errors.New("feature set needs at least one descriptor")
	}
	dim := len(descs[0].Vector)
	if dim == 0 {
		return nil, errors.New("descriptor vectors cannot be empty")
	}
	for i := range descs {
		if len(descs[i].Vector) != dim {
			return nil, errors.Errorf("descriptor %d has dimension %d, expected %d", i, len(descs[i].Vector), dim)
		}
	}
	return &Set{descs: descs, dim: dim}, nil
}

// Len returns the number of descriptors in the set.
func (s *Set) Len() int {
	return len(s.descs)
}

// Dim returns the vector length shared by every descriptor in the set.
func (s *Set) Dim() int {
	return s.dim
}

// At returns the descriptor at index i.
func (s *Set) At(i int) Descriptor {
	return s.descs[i]
}

// SquaredDistance computes the squared euclidean distance between two
// descriptor vectors. Vectors of different lengths can never match and get a
// distance of +Inf rather than an error.
func SquaredDistance(v1, v2 []float64) float64 {
	if len(v1) != len(v2) {
		return math.Inf(1)
	}
	diff := make([]float64, len(v1))
	floats.SubTo(diff, v1, v2)
	floats.Mul(diff, diff)
	return floats.Sum(diff)
}

// PairwiseSquaredDistances computes the squared distances between every
// descriptor in s1 (rows) and every descriptor in s2 (columns).
func PairwiseSquaredDistances(s1, s2 *Set) *mat.Dense {
	distances := mat.NewDense(s1.Len(), s2.Len(), nil)
	for i := 0; i < s1.Len(); i++ {
		for j := 0; j < s2.Len(); j++ {
			distances.Set(i, j, SquaredDistance(s1.At(i).Vector, s2.At(j).Vector))
		}
	}
	return distances
}

// ArgMinPerRow returns, for each row of distances, the column index holding
// the smallest value.
func ArgMinPerRow(distances *mat.Dense) []int {
	nRows, _ := distances.Dims()
	indices := make([]int, nRows)
	for i := 0; i < nRows; i++ {
		row := mat.Row(nil, i, distances)
		indices[i] = floats.MinIdx(row)
	}
	return indices
}
