// Package kdtree implements a k-d tree over feature descriptors, supporting
// approximate nearest-neighbor queries in descriptor space via best-bin-first
// traversal with a bounded candidate budget.
package kdtree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/ridgeline-vision/feattrack/feature"
)

// node is a single tree node. Internal nodes carry a splitting dimension and
// threshold and own both children; leaves reference one descriptor of the
// indexed set by position.
type node struct {
	splitDim int
	splitVal float64
	left     *node
	right    *node
	index    int
}

// Tree is a k-d tree built once over a feature set and read-only afterwards.
// The set must outlive the tree; leaves reference its descriptors by index.
type Tree struct {
	set  *feature.Set
	root *node
}

// New builds a balanced k-d tree over every descriptor of set. Each level
// splits on the dimension with the greatest spread at the median value, so
// lookups stay logarithmic even for clustered templates.
func New(set *feature.Set) (*Tree, error) {
	if set == nil {
		return nil, errors.New("cannot build a k-d tree from a nil feature set")
	}
	indices := make([]int, set.Len())
	for i := range indices {
		indices[i] = i
	}
	return &Tree{set: set, root: build(set, indices)}, nil
}

// Len returns the number of descriptors indexed by the tree.
func (t *Tree) Len() int {
	return t.set.Len()
}

func build(set *feature.Set, indices []int) *node {
	if len(indices) == 1 {
		return &node{index: indices[0]}
	}
	dim := widestDimension(set, indices)
	sort.Slice(indices, func(i, j int) bool {
		return set.At(indices[i]).Vector[dim] < set.At(indices[j]).Vector[dim]
	})
	mid := len(indices) / 2
	return &node{
		splitDim: dim,
		splitVal: set.At(indices[mid]).Vector[dim],
		left:     build(set, indices[:mid]),
		right:    build(set, indices[mid:]),
		index:    -1,
	}
}

// widestDimension returns the dimension along which the given descriptors
// spread the most.
func widestDimension(set *feature.Set, indices []int) int {
	best, bestSpread := 0, -1.0
	for dim := 0; dim < set.Dim(); dim++ {
		lo := set.At(indices[0]).Vector[dim]
		hi := lo
		for _, idx := range indices[1:] {
			v := set.At(idx).Vector[dim]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if spread := hi - lo; spread > bestSpread {
			best, bestSpread = dim, spread
		}
	}
	return best
}
