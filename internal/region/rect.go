// Package region implements the K-dimensional hyperrectangle algebra the
// dependency and coherency trees are indexed by, plus the interval/matrix
// decomposition routines that map a user's flat byte range or 2-D tile onto
// the (ld*sizeof_elem)-ruled plane those trees are built over.
//
// Axis 0 is always the byte offset axis; axis 1 is the row index. This is
// a small, sharply-typed leaf package with no dependency on the rest of
// the module.
package region

import "golang.org/x/exp/constraints"

// Dims is the number of axes this core operates over. Every production
// tree instantiation (the dependency domain and the coherency tree) uses
// K=2, so K is fixed here rather than carried as a type parameter; every
// consumer indexes the same two-dimensional ruled plane.
const Dims = 2

// Interval is a half-open integer interval [A, B).
type Interval[T constraints.Integer] struct {
	A, B T
}

// Empty reports whether the interval contains no points.
func (iv Interval[T]) Empty() bool { return iv.B <= iv.A }

// Len returns B-A, or 0 if empty.
func (iv Interval[T]) Len() T {
	if iv.Empty() {
		return 0
	}
	return iv.B - iv.A
}

// Rect is a Dims-tuple of half-open intervals: a K-dimensional hyperrect.
type Rect[T constraints.Integer] [Dims]Interval[T]

// NewRect2D builds a 2-D rect from raw bounds, axis 0 first.
func NewRect2D[T constraints.Integer](a0, b0, a1, b1 T) Rect[T] {
	return Rect[T]{{a0, b0}, {a1, b1}}
}

// Empty reports whether any axis has a non-positive extent; per the
// invariant "non-empty iff all bk>ak".
func (r Rect[T]) Empty() bool {
	for _, iv := range r {
		if iv.Empty() {
			return true
		}
	}
	return false
}

// Intersects reports whether r and o overlap on every axis.
func (r Rect[T]) Intersects(o Rect[T]) bool {
	for k := 0; k < Dims; k++ {
		if r[k].B <= o[k].A || o[k].B <= r[k].A {
			return false
		}
	}
	return true
}

// Includes reports whether o is fully contained in r on every axis.
func (r Rect[T]) Includes(o Rect[T]) bool {
	for k := 0; k < Dims; k++ {
		if o[k].A < r[k].A || o[k].B > r[k].B {
			return false
		}
	}
	return true
}

// Equal reports componentwise equality.
func (r Rect[T]) Equal(o Rect[T]) bool {
	return r[0] == o[0] && r[1] == o[1]
}

// Intersection returns the componentwise overlap of r and o. The result is
// only meaningful (non-empty) when Intersects(o) is true; the caller is
// expected to have checked that.
func (r Rect[T]) Intersection(o Rect[T]) Rect[T] {
	var out Rect[T]
	for k := 0; k < Dims; k++ {
		out[k] = Interval[T]{max(r[k].A, o[k].A), min(r[k].B, o[k].B)}
	}
	return out
}

// Union returns the smallest rect containing both r and o on every axis;
// used to maintain a node's `includes` bounding box.
func (r Rect[T]) Union(o Rect[T]) Rect[T] {
	var out Rect[T]
	for k := 0; k < Dims; k++ {
		out[k] = Interval[T]{min(r[k].A, o[k].A), max(r[k].B, o[k].B)}
	}
	return out
}

// DistanceManhattan returns, per axis, the signed gap between two disjoint
// rects: positive if o starts after r ends on that axis, negative if o ends
// before r starts, zero if they overlap on that axis. Used to translate an
// allocation-view base address when a block inherits from a wider one
// (memory_block_init in the coherency engine).
func DistanceManhattan[T constraints.Integer](r, o Rect[T]) [Dims]int64 {
	var d [Dims]int64
	for k := 0; k < Dims; k++ {
		switch {
		case o[k].A >= r[k].B:
			d[k] = int64(o[k].A) - int64(r[k].B)
		case o[k].B <= r[k].A:
			d[k] = -(int64(r[k].A) - int64(o[k].B))
		default:
			d[k] = 0
		}
	}
	return d
}

func min[T constraints.Integer](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func max[T constraints.Integer](a, b T) T {
	if a > b {
		return a
	}
	return b
}
