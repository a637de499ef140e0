// Package khptree implements the generic K-dimensional hyper-partition tree
// that both the dependency domain and the coherency engine index their
// per-datum state on. Axis 0 is always split first, then axis 1 within each
// axis-0 leaf: a node at dimension k owns a red-black tree over its own
// [A,B) interval on axis k, and its children at k+1 partition that same
// axis-k interval along axis k+1.
//
// Dims is fixed at region.Dims (2) rather than carried as a type parameter:
// both consumers in this runtime are two-dimensional.
package khptree

import "github.com/xkrt-go/xkrt/internal/region"

const Dims = region.Dims

type Color uint8

const (
	Black Color = iota
	Red
)

// Config selects which of the tree's optional behaviors are enabled. CutOnInsert requires Rebalance; Rebalance requires
// MaintainSize and MaintainHeight (cheap incremental maintenance instead of
// O(n) recomputation on every balance check).
type Config struct {
	Rebalance      bool
	CutOnInsert    bool
	MaintainSize   bool
	MaintainHeight bool
}

// Node is one node of the tree. A node represents a rect and lives at
// dimension K: its [Children][k][dir] pointers for k < K partition ancestor
// space, and [Children][K][dir] are this node's own red-black children on
// axis K.
type Node[P any] struct {
	Parent   *Node[P]
	Colors   [Dims]Color
	Rect     region.Rect[int64]
	K        int
	Children [Dims][2]*Node[P]

	includesRect   region.Rect[int64]
	includesSize   [Dims]int
	includesHeight [Dims]int
	totalHeight    int

	Payload P
}

func (n *Node[P]) child(k, dir int) *Node[P] { return n.Children[k][dir] }

const (
	left  = 0
	right = 1
)

// Hooks are the caller-supplied callbacks that give the tree domain meaning;
// the tree itself only knows about rects, colors and bounding boxes. aux is
// an arbitrary per-call context value threaded through from
// Insert/Intersect.
type Hooks[P any] struct {
	// NewNode builds the payload for a freshly split node covering h at
	// dimension k. inherit is the previously-existing node this rect
	// intersected (for case (3) re-splits and forwarded inserts), or nil
	// for a node that never overlapped anything before.
	NewNode func(h region.Rect[int64], k int, inherit *Node[P], aux interface{}) P

	// OnInsert is called once a node has been linked into the tree.
	OnInsert func(node *Node[P], aux interface{})

	// OnShrink is called just before node's axis-k interval is narrowed to
	// interval, before any reinsertion of the cut-off sides.
	OnShrink func(node *Node[P], interval region.Interval[int64], axis int)

	// IntersectStopTest lets a traversal stop early at node during an
	// Intersect walk (return true to skip node's children).
	IntersectStopTest func(node *Node[P], h region.Rect[int64], aux interface{}) bool

	// OnIntersect is called for every node whose own rect intersects h,
	// in-order (children before the node itself).
	OnIntersect func(node *Node[P], h region.Rect[int64], aux interface{})
}

// Tree is a K-dimensional hyper-partition tree over region.Rect[int64] keys.
type Tree[P any] struct {
	Root   *Node[P]
	Config Config
	Hooks  Hooks[P]
}

// New builds an empty tree.
func New[P any](config Config, hooks Hooks[P]) *Tree[P] {
	return &Tree[P]{Config: config, Hooks: hooks}
}

func (t *Tree[P]) newNode(h region.Rect[int64], k int, color Color, inherit *Node[P], aux interface{}) *Node[P] {
	node := &Node[P]{Rect: h, K: k, Colors: [Dims]Color{Black, Black}}
	node.Colors[k] = color
	node.includesRect = h
	if t.Config.MaintainSize {
		node.includesSize[k] = 1
	}
	if t.Config.MaintainHeight {
		for i := k; i < Dims; i++ {
			node.includesHeight[i] = 1
		}
		node.totalHeight = 1
	}
	node.Payload = t.Hooks.NewNode(h, k, inherit, aux)
	return node
}

// Size returns the number of nodes whose own dimension is k in the subtree
// rooted at node (or the whole tree if node is nil and called via Tree).
func (n *Node[P]) Size(k int) int {
	if n == nil {
		return 0
	}
	s := 0
	if n.K == k {
		s = 1
	}
	for kk := 0; kk < Dims; kk++ {
		s += n.child(kk, left).Size(k) + n.child(kk, right).Size(k)
	}
	return s
}

// TotalSize returns the total number of nodes in the subtree.
func (n *Node[P]) TotalSize() int {
	if n == nil {
		return 0
	}
	s := 0
	for k := 0; k < Dims; k++ {
		s += n.Size(k)
	}
	return s
}

// Height returns the red-black height of the axis-k subtree rooted at node.
func (n *Node[P]) Height(k int) int {
	if n == nil {
		return 0
	}
	hl := n.child(k, left).Height(k)
	hr := n.child(k, right).Height(k)
	if hl > hr {
		return 1 + hl
	}
	return 1 + hr
}

// TotalHeight returns the height of the whole subtree rooted at node.
func (n *Node[P]) TotalHeight() int {
	if n == nil {
		return 0
	}
	hl := n.child(0, left).TotalHeight()
	for k := 0; k < Dims; k++ {
		for _, dir := range [2]int{left, right} {
			if c := n.child(k, dir); c != nil {
				if h := c.TotalHeight(); h > hl {
					hl = h
				}
			}
		}
	}
	return 1 + hl
}

func (t *Tree[P]) Height() int {
	if t.Root == nil {
		return 0
	}
	if t.Config.MaintainHeight {
		return t.Root.totalHeight
	}
	return t.Root.TotalHeight()
}

func (t *Tree[P]) Size() int {
	return t.Root.TotalSize()
}

func (n *Node[P]) updateIncludesInterval() {
	n.includesRect = n.Rect
	for k := 0; k < Dims; k++ {
		for _, dir := range [2]int{left, right} {
			child := n.child(k, dir)
			if child == nil {
				continue
			}
			n.includesRect = n.includesRect.Union(child.includesRect)
		}
	}
}

func (n *Node[P]) updateIncludesSize() {
	for k := 0; k < Dims; k++ {
		n.includesSize[k] = 0
	}
	n.includesSize[n.K] = 1
	for k := n.K; k < Dims; k++ {
		for kk := 0; kk < Dims; kk++ {
			if c := n.child(kk, left); c != nil {
				n.includesSize[k] += c.includesSize[k]
			}
			if c := n.child(kk, right); c != nil {
				n.includesSize[k] += c.includesSize[k]
			}
		}
	}
}

func (n *Node[P]) updateIncludesHeight() {
	for k := 0; k < Dims; k++ {
		var hl, thl, hr, thr int
		if c := n.child(k, left); c != nil {
			hl, thl = c.includesHeight[k], c.totalHeight
		}
		if c := n.child(k, right); c != nil {
			hr, thr = c.includesHeight[k], c.totalHeight
		}
		h := hl
		if hr > h {
			h = hr
		}
		th := thl
		if thr > th {
			th = thr
		}
		n.includesHeight[k] = 1 + h
		n.totalHeight = 1 + th
	}
}

func (n *Node[P]) updateIncludes(cfg Config) {
	n.updateIncludesInterval()
	if cfg.MaintainSize {
		n.updateIncludesSize()
	}
	if cfg.MaintainHeight {
		n.updateIncludesHeight()
	}
}

func (t *Tree[P]) update(node *Node[P]) {
	for node != nil {
		node.updateIncludes(t.Config)
		node = node.Parent
	}
}

//
// Rotations, one axis at a time.
//

func (t *Tree[P]) rotateLeft(a *Node[P], k int) {
	c := a.child(k, right)
	d := c.child(k, left)

	c.Children[k][left] = a
	a.Children[k][right] = d

	c.Parent = a.Parent
	if a.Parent == nil {
		t.Root = c
	} else if a.Parent.child(k, left) == a {
		a.Parent.Children[k][left] = c
	} else {
		a.Parent.Children[k][right] = c
	}

	a.Parent = c
	if d != nil {
		d.Parent = a
	}

	a.updateIncludes(t.Config)
	c.updateIncludes(t.Config)
}

func (t *Tree[P]) rotateRight(a *Node[P], k int) {
	b := a.child(k, left)
	e := b.child(k, right)

	b.Children[k][right] = a
	a.Children[k][left] = e

	b.Parent = a.Parent
	if a.Parent == nil {
		t.Root = b
	} else if a.Parent.child(k, left) == a {
		a.Parent.Children[k][left] = b
	} else {
		a.Parent.Children[k][right] = b
	}

	if e != nil {
		e.Parent = a
	}
	a.Parent = b

	a.updateIncludes(t.Config)
	b.updateIncludes(t.Config)
}

func (t *Tree[P]) balanceFixup(k int, z *Node[P]) {
	for z.Parent != nil && z.Parent.Colors[k] == Red {
		gp := z.Parent.Parent
		if gp != nil && gp.K < k {
			z.Parent.Colors[k] = Black
			break
		}

		if z.Parent == gp.child(k, left) {
			y := gp.child(k, right)
			if y != nil && y.Colors[k] == Red {
				z.Parent.Colors[k] = Black
				y.Colors[k] = Black
				gp.Colors[k] = Red
				z = gp
			} else {
				if z == z.Parent.child(k, right) {
					z = z.Parent
					t.rotateLeft(z, k)
				}
				z.Parent.Colors[k] = Black
				z.Parent.Parent.Colors[k] = Red
				t.rotateRight(z.Parent.Parent, k)
			}
		} else {
			y := gp.child(k, left)
			if y != nil && y.Colors[k] == Red {
				z.Parent.Colors[k] = Black
				y.Colors[k] = Black
				gp.Colors[k] = Red
				z = gp
			} else {
				if z == z.Parent.child(k, left) {
					z = z.Parent
					t.rotateRight(z, k)
				}
				z.Parent.Colors[k] = Black
				z.Parent.Parent.Colors[k] = Red
				t.rotateLeft(z.Parent.Parent, k)
			}
		}
	}
	t.Root.Colors[k] = Black
}

func (t *Tree[P]) insertFinalize(node *Node[P], aux interface{}) {
	t.Hooks.OnInsert(node, aux)
	t.update(node)
}

func (t *Tree[P]) insertFixup(aux interface{}, h region.Rect[int64], parent *Node[P], k, dir int, inherit *Node[P]) {
	node := t.newNode(h, k, Red, inherit, aux)
	parent.Children[k][dir] = node
	node.Parent = parent

	if parent.K < k {
		node.Colors[k] = Black
	} else {
		t.balanceFixup(k, node)
	}

	t.insertFinalize(node, aux)
}

// insertFrom walks the axis-k chain from parent, splitting and recursing
// into axis k+1 as needed, handling four interval cases:
// strictly-left, strictly-right, contained-in-existing (possibly re-split),
// and partial overlap (split into up to three sub-inserts).
func (t *Tree[P]) insertFrom(aux interface{}, h region.Rect[int64], parent *Node[P], k int, inherit *Node[P]) {
	for k < Dims {
		// case (1): h strictly left of parent's interval on axis k
		if h[k].B <= parent.Rect[k].A {
			if parent.child(k, left) == nil {
				t.insertFixup(aux, h, parent, k, left, inherit)
				return
			}
			parent = parent.child(k, left)
			continue
		}

		// case (2): h strictly right of parent's interval on axis k
		if h[k].A >= parent.Rect[k].B {
			if parent.child(k, right) == nil {
				t.insertFixup(aux, h, parent, k, right, inherit)
				return
			}
			parent = parent.child(k, right)
			continue
		}

		// case (3): parent's interval includes h on axis k (or equals it)
		if parent.Rect[k].A <= h[k].A && h[k].B <= parent.Rect[k].B {
			if h[k].A == parent.Rect[k].A && h[k].B == parent.Rect[k].B {
				k++
				if k == Dims {
					t.insertFinalize(parent, aux)
					return
				}
				continue
			}

			t.splitContained(aux, h, parent, k)
			return
		}

		// case (4): partial overlap, split into up to three pieces and
		// reinsert each from the tree root.
		a, b := h[k].A, h[k].B
		if h[k].A < parent.Rect[k].A {
			h[k] = region.Interval[int64]{A: a, B: parent.Rect[k].A}
			t.insertFrom(aux, h, t.Root, 0, inherit)
			h[k] = region.Interval[int64]{A: a, B: b}
		}
		if parent.Rect[k].B < h[k].B {
			h[k] = region.Interval[int64]{A: parent.Rect[k].B, B: b}
			t.insertFrom(aux, h, t.Root, 0, inherit)
			h[k] = region.Interval[int64]{A: a, B: b}
		}
		lo, hi := a, b
		if parent.Rect[k].A > lo {
			lo = parent.Rect[k].A
		}
		if parent.Rect[k].B < hi {
			hi = parent.Rect[k].B
		}
		h[k] = region.Interval[int64]{A: lo, B: hi}
		t.insertFrom(aux, h, t.Root, 0, inherit)
		return
	}
}

// splitContained handles insert case (3) where h is strictly contained in
// parent's axis-k interval (J subset I, not equal): shrink parent (and every
// descendant reachable through axis k+1.. that also covers h[k]) down to
// h[k], then reinsert the left/right leftover slivers from the root.
func (t *Tree[P]) splitContained(aux interface{}, h region.Rect[int64], parent *Node[P], k int) {
	type reinsert struct {
		rect    region.Rect[int64]
		inherit *Node[P]
	}
	var pending []reinsert

	leftIv := region.Interval[int64]{A: parent.Rect[k].A, B: h[k].A}
	midIv := region.Interval[int64]{A: h[k].A, B: h[k].B}
	rightIv := region.Interval[int64]{A: h[k].B, B: parent.Rect[k].B}

	var shrink func(node *Node[P])
	shrink = func(node *Node[P]) {
		rr := node.Rect
		if !leftIv.Empty() {
			r := rr
			r[k] = leftIv
			var inh *Node[P]
			if r.Intersects(node.Rect) {
				inh = node
			}
			pending = append(pending, reinsert{r, inh})
		}
		if !rightIv.Empty() {
			r := rr
			r[k] = rightIv
			var inh *Node[P]
			if r.Intersects(node.Rect) {
				inh = node
			}
			pending = append(pending, reinsert{r, inh})
		}

		t.Hooks.OnShrink(node, midIv, k)
		node.Rect[k] = midIv

		for kk := k + 1; kk < Dims; kk++ {
			if c := node.child(kk, left); c != nil {
				shrink(c)
			}
			if c := node.child(kk, right); c != nil {
				shrink(c)
			}
		}
	}
	shrink(parent)

	for _, p := range pending {
		t.insertFrom(aux, p.rect, t.Root, 0, p.inherit)
	}
	t.insertFrom(aux, h, t.Root, 0, nil)
}

// Insert adds h to the tree, splitting around any existing overlapping
// rects so that every stored rect remains pairwise disjoint. aux is passed
// through to every Hooks call made as part of this insert.
func (t *Tree[P]) Insert(h region.Rect[int64], aux interface{}) {
	if h.Empty() {
		return
	}

	if t.Root == nil {
		t.Root = t.newNode(h, 0, Black, nil, aux)
		t.insertFinalize(t.Root, aux)
	} else {
		t.insertFrom(aux, h, t.Root, 0, nil)
	}

	t.postInsert()
}

func (t *Tree[P]) postInsert() {
	if t.Config.Rebalance && t.requiresRebalance() {
		t.Rebalance()
	}
}

//
// Intersect: in-order traversal of every node whose own rect overlaps h.
//

func (t *Tree[P]) intersectFrom(aux interface{}, h region.Rect[int64], node *Node[P]) {
	if node == nil || !h.Intersects(node.includesRect) {
		return
	}
	if t.Hooks.IntersectStopTest != nil && t.Hooks.IntersectStopTest(node, h, aux) {
		return
	}

	for k := 0; k < Dims; k++ {
		t.intersectFrom(aux, h, node.child(k, left))
		t.intersectFrom(aux, h, node.child(k, right))
	}

	if h.Intersects(node.Rect) {
		t.Hooks.OnIntersect(node, h, aux)
	}
}

// Intersect visits, in traversal order, every node whose rect overlaps h.
func (t *Tree[P]) Intersect(h region.Rect[int64], aux interface{}) {
	if h.Empty() {
		return
	}
	t.intersectFrom(aux, h, t.Root)
}

func walkFrom[P any](node *Node[P], visit func(*Node[P])) {
	if node == nil {
		return
	}
	for k := 0; k < Dims; k++ {
		walkFrom(node.child(k, left), visit)
		walkFrom(node.child(k, right), visit)
	}
	visit(node)
}

// Walk visits every node in the tree, children before parents. Unlike
// Intersect it takes no query rect and never prunes; eviction-style sweeps
// that must consider every stored block use it.
func (t *Tree[P]) Walk(visit func(*Node[P])) {
	walkFrom(t.Root, visit)
}

//
// Rebalance: Day-Stout-Warren on the axis-0 tree. Only the top-level
// (K==0 root with no parent) chain is rebalanced; nested axis-1 subtrees
// are left imbalanced between inserts.
//

func log2(n int) int {
	l := -1
	for n > 0 {
		n >>= 1
		l++
	}
	return l
}

func (t *Tree[P]) requiresRebalance() bool {
	if t.Root == nil {
		return false
	}
	size := t.Root.TotalSize()
	height := t.Height()
	ideal := log2(size + 1)
	return height > 2*Dims*ideal
}

func compress[P any](root *Node[P], k, m int) {
	tmp := root.child(k, right)
	for i := 0; i < m; i++ {
		oldtmp := tmp
		tmp = tmp.child(k, right)
		root.Children[k][right] = tmp
		oldtmp.Children[k][right] = tmp.child(k, left)
		tmp.Children[k][left] = oldtmp
		root = tmp
		tmp = tmp.child(k, right)
	}
}

func vineToRBTree[P any](root *Node[P], k, n int) int {
	h := log2(n + 1)
	m := 1<<uint(h) - 1
	compress(root, k, n-m)
	for m = m / 2; m > 0; m /= 2 {
		compress(root, k, m)
	}
	return h
}

func rbTreeToVine[P any](root *Node[P], k int) {
	tmp := root.child(k, right)
	for tmp != nil {
		if tmp.child(k, left) != nil {
			oldtmp := tmp
			tmp = tmp.child(k, left)
			oldtmp.Children[k][left] = tmp.child(k, right)
			tmp.Children[k][right] = oldtmp
			root.Children[k][right] = tmp
		} else {
			root = tmp
			tmp = tmp.child(k, right)
		}
	}
}

func (t *Tree[P]) rebalanceFixup(parent, node *Node[P], k, depth, height int) {
	if node == nil {
		return
	}
	t.rebalanceFixup(node, node.child(k, left), k, depth+1, height)
	t.rebalanceFixup(node, node.child(k, right), k, depth+1, height)

	node.Parent = parent
	if height == depth {
		node.Colors[k] = Red
	} else {
		node.Colors[k] = Black
	}
	node.updateIncludes(t.Config)
}

// Rebalance runs Day-Stout-Warren rebalancing of the axis-0 tree rooted at
// the tree's root. Only meaningful when Config.Rebalance is set.
func (t *Tree[P]) Rebalance() {
	if t.Root == nil {
		return
	}
	k := 0
	n := t.Root.Size(k)
	if n == 0 {
		return
	}

	pseudoRoot := &Node[P]{}
	pseudoRoot.Children[k][right] = t.Root

	rbTreeToVine(pseudoRoot, k)
	height := vineToRBTree(pseudoRoot, k, n)

	newRoot := pseudoRoot.child(k, right)
	t.Root = newRoot
	t.rebalanceFixup(nil, newRoot, k, 0, height)
}
