// Package depdomain implements the per-user-datum dependency resolver: a
// KHP-tree whose node payload tracks the last writer and last readers of
// each sub-region, used to derive precedence edges between tasks.
package depdomain

import (
	"sync"

	"github.com/xkrt-go/xkrt/internal/khptree"
	"github.com/xkrt-go/xkrt/internal/region"
	"github.com/xkrt-go/xkrt/task"
)

// node is the payload of one dependency-domain tree node.
type node struct {
	lastWriter       *task.Access
	lastReaders      []*task.Access
	nWritesInSubtree int32
}

// Domain is one dependency domain: one exists per user datum.
type Domain struct {
	mu   sync.Mutex
	tree *khptree.Tree[*node]
}

// New builds an empty dependency domain.
func New() *Domain {
	d := &Domain{}
	d.tree = khptree.New(khptree.Config{
		Rebalance:      true,
		MaintainSize:   true,
		MaintainHeight: true,
	}, khptree.Hooks[*node]{
		NewNode: func(h region.Rect[int64], k int, inherit *khptree.Node[*node], aux interface{}) *node {
			if inherit != nil {
				// carve a sub-rect out of an existing node: its precedence
				// state governs the new sliver until the next access touches it.
				n := *inherit.Payload
				n.lastReaders = append([]*task.Access(nil), inherit.Payload.lastReaders...)
				return &n
			}
			return &node{}
		},
		OnInsert: func(kn *khptree.Node[*node], aux interface{}) {
			req, ok := aux.(*request)
			if !ok || req == nil {
				return
			}
			applyAccess(kn.Payload, req)
		},
		OnShrink: func(kn *khptree.Node[*node], interval region.Interval[int64], axis int) {},
	})
	return d
}

// request threads an access (and whether edges should actually be recorded,
// i.e. Resolve vs. Put) through the tree's callbacks.
type request struct {
	access     *task.Access
	resolve    bool // false for Put: seed without creating edges
	conflicted bool // set by applyAccess/Conflicting when resolve is false but caller wants to know
}

func applyAccess(n *node, req *request) {
	access := req.access
	if !req.resolve {
		// Put: seed last-writer/last-readers without creating precedence edges.
		if access.IsWrite() {
			n.lastWriter = access
			n.lastReaders = nil
			n.nWritesInSubtree++
		} else {
			n.lastReaders = append(n.lastReaders, access)
		}
		return
	}

	if access.IsWrite() {
		for _, reader := range n.lastReaders {
			task.AddPrecedence(reader, access)
		}
		if n.lastWriter != nil && len(n.lastReaders) == 0 {
			task.AddPrecedence(n.lastWriter, access)
		}
		n.lastReaders = nil
		n.lastWriter = access
		n.nWritesInSubtree++
	} else {
		if n.lastWriter != nil {
			task.AddPrecedence(n.lastWriter, access)
		}
		n.lastReaders = append(n.lastReaders, access)
	}
}

// stopTest implements the "nwrites_in_subtree == 0 && read-only access"
// subtree pruning rule: no precedence can exist under a read-only node with
// no writes recorded anywhere in its subtree.
func stopTest(readOnly bool) func(kn *khptree.Node[*node], h region.Rect[int64], aux interface{}) bool {
	return func(kn *khptree.Node[*node], h region.Rect[int64], aux interface{}) bool {
		if !readOnly {
			return false
		}
		// Each node's counter tallies only the writes applied at that node,
		// so the subtree total is summed over the node and its descendants.
		var writes func(n *khptree.Node[*node]) int32
		writes = func(n *khptree.Node[*node]) int32 {
			if n == nil {
				return 0
			}
			w := n.Payload.nWritesInSubtree
			for k := range n.Children {
				w += writes(n.Children[k][0]) + writes(n.Children[k][1])
			}
			return w
		}
		return writes(kn) == 0
	}
}

// Resolve inserts each of access's decomposed rects into the tree,
// creating precedence edges against any conflicting prior access found at
// each overlapping node. Insert's own node-splitting already visits every
// existing node the new region overlaps (re-finalizing it via OnInsert), so
// the precedence logic lives entirely in applyAccess; the read-only
// subtree-pruning optimization does not apply here since Insert, unlike
// Intersect, has no stop-test hook point, and insert-time traversal visits
// every overlapped node regardless.
func (d *Domain) Resolve(access *task.Access) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := &request{access: access, resolve: true}
	for _, r := range access.RectList() {
		d.tree.Insert(r, req)
	}
}

// Put seeds the domain with access without creating any precedence edges —
// used for the initial distribution phase.
func (d *Domain) Put(access *task.Access) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := &request{access: access, resolve: false}
	for _, r := range access.RectList() {
		d.tree.Insert(r, req)
	}
}

// Conflicting reports, via out, every access currently recorded as the last
// writer or a last reader of a block overlapping any of access's decomposed
// rects, without mutating the tree or creating edges.
func (d *Domain) Conflicting(access *task.Access, out func(*task.Access)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tree.Hooks.IntersectStopTest = stopTest(!access.IsWrite())
	d.tree.Hooks.OnIntersect = func(kn *khptree.Node[*node], h region.Rect[int64], aux interface{}) {
		if kn.Payload.lastWriter != nil {
			out(kn.Payload.lastWriter)
		}
		for _, r := range kn.Payload.lastReaders {
			out(r)
		}
	}
	for _, r := range access.RectList() {
		d.tree.Intersect(r, nil)
	}
}
