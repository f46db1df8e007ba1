package spatial

import (
	"math"

	"github.com/tidwall/rtree"
)

// Circle is the capability the collision index needs from an entity.
type Circle interface {
	Position() (x, y float64)
	HitRadius() float64
}

// Vec is a 2D vector.
type Vec struct {
	X, Y float64
}

// Index is a broad-phase R-tree over a fixed slice of circles. It is built
// once per tick and never updated; positions changed after construction are
// not reflected.
//
// Results are slice indices into the items passed to NewIndex.
type Index[T Circle] struct {
	tree  rtree.RTreeG[int]
	items []T
}

// NewIndex loads every item's bounding box (center +- radius) into a new tree.
func NewIndex[T Circle](items []T) *Index[T] {
	ix := &Index[T]{items: items}
	for i, it := range items {
		min, max := bounds(it)
		ix.tree.Insert(min, max, i)
	}
	return ix
}

func bounds(c Circle) (min, max [2]float64) {
	x, y := c.Position()
	r := c.HitRadius()
	return [2]float64{x - r, y - r}, [2]float64{x + r, y + r}
}

// Len returns the number of indexed items.
func (ix *Index[T]) Len() int { return len(ix.items) }

// Overlapping returns the indices of items whose boxes intersect item i's
// box, excluding i itself.
func (ix *Index[T]) Overlapping(i int) []int {
	min, max := bounds(ix.items[i])
	var hits []int
	ix.tree.Search(min, max, func(_, _ [2]float64, j int) bool {
		if j != i {
			hits = append(hits, j)
		}
		return true
	})
	return hits
}

// Query returns the indices of items whose boxes intersect c's box.
func (ix *Index[T]) Query(c Circle) []int {
	min, max := bounds(c)
	var hits []int
	ix.tree.Search(min, max, func(_, _ [2]float64, j int) bool {
		hits = append(hits, j)
		return true
	})
	return hits
}

// TestCircles is the circle-circle narrow phase. When the circles overlap it
// returns the minimum translation vector that separates b from a: the unit
// direction from a to b scaled by the overlap depth. Coincident centers
// separate along +x.
func TestCircles(ax, ay, ar, bx, by, br float64) (Vec, bool) {
	dx, dy := bx-ax, by-ay
	total := ar + br
	distSq := dx*dx + dy*dy
	if distSq > total*total {
		return Vec{}, false
	}

	dist := math.Sqrt(distSq)
	if dist == 0 {
		return Vec{X: total}, true
	}
	depth := total - dist
	return Vec{X: dx / dist * depth, Y: dy / dist * depth}, true
}

// PointInCircle reports whether (px, py) lies inside or on the circle.
func PointInCircle(px, py, cx, cy, r float64) bool {
	dx, dy := px-cx, py-cy
	return dx*dx+dy*dy <= r*r
}
