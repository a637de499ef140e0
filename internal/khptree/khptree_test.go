package khptree

import (
	"testing"

	"github.com/xkrt-go/xkrt/internal/region"
)

type leaf struct {
	tag string
}

// countingHooks wires up a payload that, on a fresh split, inherits the tag
// of whatever node it was carved out of (mirroring how a real coherency
// block preserves its replica state across a narrowing split), and only
// takes on the inserted access's own tag when OnInsert actually applies that
// access to the node.
func countingHooks() (Hooks[*leaf], *int) {
	inserts := 0
	return Hooks[*leaf]{
		NewNode: func(h region.Rect[int64], k int, inherit *Node[*leaf], aux interface{}) *leaf {
			if inherit != nil {
				return &leaf{tag: inherit.Payload.tag}
			}
			tag, _ := aux.(string)
			return &leaf{tag: tag}
		},
		OnInsert: func(node *Node[*leaf], aux interface{}) {
			inserts++
			if tag, ok := aux.(string); ok {
				node.Payload.tag = tag
			}
		},
		OnShrink: func(node *Node[*leaf], interval region.Interval[int64], axis int) {},
		OnIntersect: func(node *Node[*leaf], h region.Rect[int64], aux interface{}) {
			if acc, ok := aux.(*[]*Node[*leaf]); ok {
				*acc = append(*acc, node)
			}
		},
	}, &inserts
}

func assertDisjoint(t *testing.T, nodes []*Node[*leaf]) {
	t.Helper()
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[i].Rect.Intersects(nodes[j].Rect) {
				t.Fatalf("nodes %v and %v overlap", nodes[i].Rect, nodes[j].Rect)
			}
		}
	}
}

func collectAll[P any](node *Node[P], out *[]*Node[P]) {
	if node == nil {
		return
	}
	for k := 0; k < Dims; k++ {
		collectAll(node.child(k, left), out)
		collectAll(node.child(k, right), out)
	}
	*out = append(*out, node)
}

func TestInsertDisjointRectsNoOverlap(t *testing.T) {
	hooks, _ := countingHooks()
	tree := New(Config{}, hooks)

	tree.Insert(region.NewRect2D[int64](0, 10, 0, 1), "a")
	tree.Insert(region.NewRect2D[int64](20, 30, 0, 1), "b")
	tree.Insert(region.NewRect2D[int64](5, 25, 0, 1), "c")

	var all []*Node[*leaf]
	collectAll(tree.Root, &all)
	assertDisjoint(t, all)

	var total int64
	for _, n := range all {
		total += n.Rect[0].Len()
	}
	if total != 30 {
		t.Fatalf("covered length = %d, want 30 (union of [0,30))", total)
	}
}

func TestInsertEqualRectMergesInPlace(t *testing.T) {
	hooks, inserts := countingHooks()
	tree := New(Config{}, hooks)

	r := region.NewRect2D[int64](0, 10, 0, 1)
	tree.Insert(r, "first")
	tree.Insert(r, "second")

	var all []*Node[*leaf]
	collectAll(tree.Root, &all)
	if len(all) != 1 {
		t.Fatalf("expected a single node for two identical inserts, got %d", len(all))
	}
	if *inserts != 2 {
		t.Fatalf("OnInsert calls = %d, want 2 (both inserts should finalize the node)", *inserts)
	}
}

func TestInsertOverlapSplitsAroundExisting(t *testing.T) {
	hooks, _ := countingHooks()
	tree := New(Config{}, hooks)

	tree.Insert(region.NewRect2D[int64](0, 10, 0, 1), "a")
	tree.Insert(region.NewRect2D[int64](5, 8, 0, 1), "b") // fully inside a

	var all []*Node[*leaf]
	collectAll(tree.Root, &all)
	assertDisjoint(t, all)

	var total int64
	for _, n := range all {
		total += n.Rect[0].Len()
	}
	if total != 10 {
		t.Fatalf("covered length = %d, want 10", total)
	}

	// the middle piece must carry the last payload written to it
	var foundMiddle bool
	for _, n := range all {
		if n.Rect[0].A == 5 && n.Rect[0].B == 8 {
			foundMiddle = true
			if n.Payload.tag != "b" {
				t.Fatalf("middle node payload = %q, want %q", n.Payload.tag, "b")
			}
		}
	}
	if !foundMiddle {
		t.Fatal("expected a node covering exactly [5,8)")
	}
}

func TestIntersectFindsOverlappingNodesOnly(t *testing.T) {
	hooks, _ := countingHooks()
	tree := New(Config{}, hooks)

	tree.Insert(region.NewRect2D[int64](0, 10, 0, 1), "a")
	tree.Insert(region.NewRect2D[int64](20, 30, 0, 1), "b")
	tree.Insert(region.NewRect2D[int64](40, 50, 0, 1), "c")

	var hits []*Node[*leaf]
	tree.Intersect(region.NewRect2D[int64](15, 45, 0, 1), &hits)

	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2 (b and c)", len(hits))
	}
	for _, n := range hits {
		if n.Payload.tag != "b" && n.Payload.tag != "c" {
			t.Fatalf("unexpected hit %q", n.Payload.tag)
		}
	}
}

func Test2DSplitAcrossBothAxes(t *testing.T) {
	hooks, _ := countingHooks()
	tree := New(Config{}, hooks)

	tree.Insert(region.NewRect2D[int64](0, 100, 0, 10), "big")
	tree.Insert(region.NewRect2D[int64](20, 40, 3, 6), "hole")

	var all []*Node[*leaf]
	collectAll(tree.Root, &all)
	assertDisjoint(t, all)

	var hits []*Node[*leaf]
	tree.Intersect(region.NewRect2D[int64](25, 35, 4, 5), &hits)
	var sawHole bool
	for _, n := range hits {
		if n.Payload.tag == "hole" {
			sawHole = true
		}
	}
	if !sawHole {
		t.Fatal("expected the hole rect to be hit by a query inside it")
	}
}

func TestRebalanceKeepsTreeQueryable(t *testing.T) {
	hooks, _ := countingHooks()
	tree := New(Config{Rebalance: true, MaintainSize: true, MaintainHeight: true}, hooks)

	for i := int64(0); i < 64; i++ {
		tree.Insert(region.NewRect2D[int64](i*10, i*10+10, 0, 1), "x")
	}

	var all []*Node[*leaf]
	collectAll(tree.Root, &all)
	if len(all) != 64 {
		t.Fatalf("node count = %d, want 64", len(all))
	}
	assertDisjoint(t, all)

	var hits []*Node[*leaf]
	tree.Intersect(region.NewRect2D[int64](305, 315, 0, 1), &hits)
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
}
