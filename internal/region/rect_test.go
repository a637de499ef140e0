package region

import "testing"

func TestRectIntersectsIncludes(t *testing.T) {
	a := NewRect2D[int64](0, 10, 0, 10)
	b := NewRect2D[int64](5, 15, 5, 15)
	if !a.Intersects(b) {
		t.Fatal("expected overlap")
	}
	c := NewRect2D[int64](10, 20, 10, 20)
	if a.Intersects(c) {
		t.Fatal("half-open rects sharing only a boundary must not intersect")
	}

	inner := NewRect2D[int64](2, 8, 2, 8)
	if !a.Includes(inner) {
		t.Fatal("expected inclusion")
	}
	if inner.Includes(a) {
		t.Fatal("smaller rect must not include the larger one")
	}
}

func TestRectEmpty(t *testing.T) {
	if (NewRect2D[int64](0, 10, 0, 10)).Empty() {
		t.Fatal("non-empty rect reported empty")
	}
	if !(NewRect2D[int64](5, 5, 0, 10)).Empty() {
		t.Fatal("zero-extent axis must be empty")
	}
}

func TestRectIntersectionUnion(t *testing.T) {
	a := NewRect2D[int64](0, 10, 0, 10)
	b := NewRect2D[int64](5, 20, 5, 20)

	i := a.Intersection(b)
	if want := NewRect2D[int64](5, 10, 5, 10); i != want {
		t.Fatalf("intersection = %v, want %v", i, want)
	}

	u := a.Union(b)
	if want := NewRect2D[int64](0, 20, 0, 20); u != want {
		t.Fatalf("union = %v, want %v", u, want)
	}
}

func TestDistanceManhattan(t *testing.T) {
	a := NewRect2D[int64](0, 10, 0, 10)
	b := NewRect2D[int64](20, 30, 10, 20)
	d := DistanceManhattan(a, b)
	if d[0] != 10 {
		t.Fatalf("axis0 distance = %d, want 10", d[0])
	}
	if d[1] != 0 {
		t.Fatalf("axis1 distance = %d, want 0 (adjacent, not overlapping)", d[1])
	}
}
