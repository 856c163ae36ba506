// ABOUTME: Persistent R-tree with copy-on-write Insert and Delete
// ABOUTME: Published trees are immutable snapshots safe for concurrent readers

package rtree

import (
	"github.com/nainya/spatialstore/pkg/geometry"
)

const (
	DefaultMinEntries = 4
	DefaultMaxEntries = 16
)

// Options controls node fan-out
type Options struct {
	MinEntries int
	MaxEntries int
}

// DefaultOptions returns the default fan-out
func DefaultOptions() Options {
	return Options{MinEntries: DefaultMinEntries, MaxEntries: DefaultMaxEntries}
}

func (o Options) normalize() Options {
	if o.MaxEntries < 4 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MinEntries < 2 || o.MinEntries > o.MaxEntries/2 {
		o.MinEntries = o.MaxEntries * 4 / 10
		if o.MinEntries < 2 {
			o.MinEntries = 2
		}
	}
	return o
}

// Tree is an immutable R-tree. Insert and Delete return a new tree that shares
// untouched nodes with the receiver; the receiver stays valid and unchanged.
// The zero value is not usable, create trees with New.
type Tree struct {
	root   *node
	opts   Options
	height int
}

// New creates an empty tree
func New(opts Options) *Tree {
	return &Tree{opts: opts.normalize()}
}

// Options returns the effective fan-out settings
func (t *Tree) Options() Options { return t.opts }

// Len returns the number of items in the tree
func (t *Tree) Len() int {
	if t.root == nil {
		return 0
	}
	return t.root.size
}

// Height returns the number of levels (0 for an empty tree)
func (t *Tree) Height() int { return t.height }

// Bounds returns the box enclosing every item; ok is false for an empty tree
func (t *Tree) Bounds() (geometry.BBox, bool) {
	if t.root == nil {
		return geometry.BBox{}, false
	}
	return t.root.box, true
}

// Insert returns a tree containing item in addition to the receiver's items
func (t *Tree) Insert(item Item) *Tree {
	if t.root == nil {
		return &Tree{root: newLeaf([]Item{item}), opts: t.opts, height: 1}
	}

	n, sibling := t.insert(t.root, item)
	if sibling == nil {
		return &Tree{root: n, opts: t.opts, height: t.height}
	}
	return &Tree{root: newInternal([]*node{n, sibling}), opts: t.opts, height: t.height + 1}
}

// insert rebuilds the path from n down to the chosen leaf. A non-nil second
// result means n overflowed and was split in two.
func (t *Tree) insert(n *node, item Item) (*node, *node) {
	if n.leaf {
		items := cloneItems(n.items, 1)
		items = append(items, item)
		if len(items) <= t.opts.MaxEntries {
			return newLeaf(items), nil
		}
		return t.splitLeaf(items)
	}

	idx := chooseSubtree(n.children, item.Box)
	child, sibling := t.insert(n.children[idx], item)

	children := cloneChildren(n.children, 1)
	children[idx] = child
	if sibling != nil {
		children = append(children, sibling)
	}
	if len(children) <= t.opts.MaxEntries {
		return newInternal(children), nil
	}
	return t.splitInternal(children)
}

// chooseSubtree picks the child needing the least enlargement, ties broken by
// the smaller area and then by fewer items.
func chooseSubtree(children []*node, box geometry.BBox) int {
	best := 0
	bestEnl := children[0].box.Enlargement(box)
	for i := 1; i < len(children); i++ {
		c := children[i]
		enl := c.box.Enlargement(box)
		switch {
		case enl < bestEnl:
		case enl == bestEnl && c.box.Area() < children[best].box.Area():
		case enl == bestEnl && c.box.Area() == children[best].box.Area() && c.size < children[best].size:
		default:
			continue
		}
		best, bestEnl = i, enl
	}
	return best
}

func (t *Tree) splitLeaf(items []Item) (*node, *node) {
	boxes := make([]geometry.BBox, len(items))
	for i, it := range items {
		boxes[i] = it.Box
	}
	g1, g2 := quadraticSplit(boxes, t.opts.MinEntries)

	a := make([]Item, 0, t.opts.MaxEntries)
	for _, i := range g1 {
		a = append(a, items[i])
	}
	b := make([]Item, 0, t.opts.MaxEntries)
	for _, i := range g2 {
		b = append(b, items[i])
	}
	return newLeaf(a), newLeaf(b)
}

func (t *Tree) splitInternal(children []*node) (*node, *node) {
	boxes := make([]geometry.BBox, len(children))
	for i, c := range children {
		boxes[i] = c.box
	}
	g1, g2 := quadraticSplit(boxes, t.opts.MinEntries)

	a := make([]*node, 0, t.opts.MaxEntries)
	for _, i := range g1 {
		a = append(a, children[i])
	}
	b := make([]*node, 0, t.opts.MaxEntries)
	for _, i := range g2 {
		b = append(b, children[i])
	}
	return newInternal(a), newInternal(b)
}

// Delete returns a tree without the item matching both ID and Box. The second
// result reports whether such an item existed; if not, the receiver is returned.
func (t *Tree) Delete(item Item) (*Tree, bool) {
	if t.root == nil {
		return t, false
	}

	root, found, orphans := t.delete(t.root, item, true)
	if !found {
		return t, false
	}

	height := t.height
	// Shrink the tree while the root has a single child.
	for root != nil && !root.leaf && len(root.children) == 1 {
		root = root.children[0]
		height--
	}
	if root != nil && root.entries() == 0 {
		root = nil
	}
	if root == nil {
		height = 0
	}

	out := &Tree{root: root, opts: t.opts, height: height}
	for _, o := range orphans {
		out = out.Insert(o)
	}
	return out, true
}

// delete removes item below n. Underfull non-root nodes are dissolved and
// their remaining items returned as orphans for reinsertion.
func (t *Tree) delete(n *node, item Item, isRoot bool) (*node, bool, []Item) {
	if n.leaf {
		pos := -1
		for i, it := range n.items {
			if it.ID == item.ID && it.Box == item.Box {
				pos = i
				break
			}
		}
		if pos < 0 {
			return n, false, nil
		}

		items := make([]Item, 0, len(n.items)-1)
		items = append(items, n.items[:pos]...)
		items = append(items, n.items[pos+1:]...)
		if !isRoot && len(items) < t.opts.MinEntries {
			return nil, true, items
		}
		return newLeaf(items), true, nil
	}

	for i, c := range n.children {
		if !c.box.Contains(item.Box) {
			continue
		}
		child, found, orphans := t.delete(c, item, false)
		if !found {
			continue
		}

		children := make([]*node, 0, len(n.children))
		children = append(children, n.children[:i]...)
		if child != nil {
			children = append(children, child)
		}
		children = append(children, n.children[i+1:]...)

		if !isRoot && len(children) < t.opts.MinEntries {
			for _, rest := range children {
				orphans = rest.collect(orphans)
			}
			return nil, true, orphans
		}
		if len(children) == 0 {
			return &node{}, true, orphans
		}
		return newInternal(children), true, orphans
	}
	return n, false, nil
}

// Search calls fn for every item whose box intersects box (edges inclusive).
// Iteration stops when fn returns false.
func (t *Tree) Search(box geometry.BBox, fn func(Item) bool) {
	if t.root == nil {
		return
	}
	search(t.root, box, fn)
}

func search(n *node, box geometry.BBox, fn func(Item) bool) bool {
	if !n.box.Intersects(box) {
		return true
	}
	if n.leaf {
		for _, it := range n.items {
			if it.Box.Intersects(box) && !fn(it) {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if !search(c, box, fn) {
			return false
		}
	}
	return true
}

// Count returns the number of items intersecting box without materializing
// them. Subtrees entirely inside box are counted from their cached size.
func (t *Tree) Count(box geometry.BBox) int {
	if t.root == nil {
		return 0
	}
	return count(t.root, box)
}

func count(n *node, box geometry.BBox) int {
	if !n.box.Intersects(box) {
		return 0
	}
	if box.Contains(n.box) {
		return n.size
	}
	total := 0
	if n.leaf {
		for _, it := range n.items {
			if it.Box.Intersects(box) {
				total++
			}
		}
		return total
	}
	for _, c := range n.children {
		total += count(c, box)
	}
	return total
}

// All calls fn for every item in the tree until fn returns false
func (t *Tree) All(fn func(Item) bool) {
	if t.root == nil {
		return
	}
	all(t.root, fn)
}

func all(n *node, fn func(Item) bool) bool {
	if n.leaf {
		for _, it := range n.items {
			if !fn(it) {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if !all(c, fn) {
			return false
		}
	}
	return true
}
