package kdtree

import (
	"container/heap"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/ridgeline-vision/feattrack/feature"
)

// Neighbor is a single query result: the position of a descriptor in the
// indexed set and its squared descriptor-space distance to the query.
type Neighbor struct {
	Index           int
	SquaredDistance float64
}

// branch is a subtree pending examination. bound is a lower bound on the
// squared distance from the query to any descriptor inside the subtree.
type branch struct {
	n     *node
	bound float64
}

// branchHeap is a min-heap of pending branches, most promising bin first.
type branchHeap []branch

func (h branchHeap) Len() int           { return len(h) }
func (h branchHeap) Less(i, j int) bool { return h[i].bound < h[j].bound }
func (h branchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *branchHeap) Push(x interface{}) { *h = append(*h, x.(branch)) }

func (h *branchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// neighborHeap is a max-heap of the best candidates found so far, worst on
// top so it can be evicted in O(log k) when something closer turns up.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return h[i].SquaredDistance > h[j].SquaredDistance }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *neighborHeap) Push(x interface{}) { *h = append(*h, x.(Neighbor)) }

func (h *neighborHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Query returns up to k indexed descriptors nearest to vec, ascending by
// squared distance. The search is best-bin-first: subtrees are visited in
// order of their lower-bound distance to the query and the walk stops after
// maxCandidates leaves, so results are exact whenever maxCandidates is at
// least Len(). A query vector whose length differs from the set
// dimensionality matches nothing and yields an empty result.
func (t *Tree) Query(vec []float64, k, maxCandidates int) ([]Neighbor, error) {
	if k < 1 {
		return nil, errors.New("k must be at least 1")
	}
	if maxCandidates < 1 {
		return nil, errors.New("maxCandidates must be at least 1")
	}
	if len(vec) != t.set.Dim() {
		return nil, nil
	}

	pending := &branchHeap{}
	heap.Init(pending)
	heap.Push(pending, branch{n: t.root})
	best := &neighborHeap{}
	examined := 0

	for pending.Len() > 0 && examined < maxCandidates {
		br := heap.Pop(pending).(branch)
		if best.Len() == k && br.bound >= (*best)[0].SquaredDistance {
			continue
		}
		// walk down the near side, queueing every far sibling as its own bin
		n := br.n
		for n.index < 0 {
			diff := vec[n.splitDim] - n.splitVal
			near, far := n.left, n.right
			if diff >= 0 {
				near, far = n.right, n.left
			}
			heap.Push(pending, branch{n: far, bound: diff * diff})
			n = near
		}
		examined++
		d := feature.SquaredDistance(vec, t.set.At(n.index).Vector)
		if math.IsInf(d, 1) {
			continue
		}
		switch {
		case best.Len() < k:
			heap.Push(best, Neighbor{Index: n.index, SquaredDistance: d})
		case d < (*best)[0].SquaredDistance:
			(*best)[0] = Neighbor{Index: n.index, SquaredDistance: d}
			heap.Fix(best, 0)
		}
	}

	out := make([]Neighbor, best.Len())
	copy(out, *best)
	sortNeighbors(out)
	return out, nil
}

// ExhaustiveSearch scans every descriptor of set and returns the k nearest
// to vec, ascending by squared distance. It is the exact baseline that the
// approximate Query degrades from.
func ExhaustiveSearch(set *feature.Set, vec []float64, k int) []Neighbor {
	if k < 1 {
		return nil
	}
	neighbors := make([]Neighbor, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		d := feature.SquaredDistance(vec, set.At(i).Vector)
		if math.IsInf(d, 1) {
			continue
		}
		neighbors = append(neighbors, Neighbor{Index: i, SquaredDistance: d})
	}
	sortNeighbors(neighbors)
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

// sortNeighbors orders by ascending distance, breaking ties on index so
// results are deterministic.
func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].SquaredDistance != ns[j].SquaredDistance {
			return ns[i].SquaredDistance < ns[j].SquaredDistance
		}
		return ns[i].Index < ns[j].Index
	})
}
