// ABOUTME: Immutable R-tree nodes and their constructors
// ABOUTME: A node is never modified after construction; updates copy the path

package rtree

import (
	"github.com/nainya/spatialstore/pkg/geometry"
)

// Item is a single indexed rectangle. ID must be unique within a tree; Data
// is carried along untouched and is not used for matching.
type Item struct {
	ID   uint64
	Box  geometry.BBox
	Data interface{}
}

// node is either a leaf holding items or an internal node holding children.
// box covers every rectangle below the node and size counts the items below it.
type node struct {
	leaf     bool
	box      geometry.BBox
	size     int
	items    []Item
	children []*node
}

func newLeaf(items []Item) *node {
	n := &node{leaf: true, items: items, size: len(items)}
	for i, it := range items {
		if i == 0 {
			n.box = it.Box
			continue
		}
		n.box = n.box.Union(it.Box)
	}
	return n
}

func newInternal(children []*node) *node {
	n := &node{children: children}
	for i, c := range children {
		n.size += c.size
		if i == 0 {
			n.box = c.box
			continue
		}
		n.box = n.box.Union(c.box)
	}
	return n
}

// entries returns the number of direct entries held by the node
func (n *node) entries() int {
	if n.leaf {
		return len(n.items)
	}
	return len(n.children)
}

// entryBox returns the rectangle of the i-th direct entry
func (n *node) entryBox(i int) geometry.BBox {
	if n.leaf {
		return n.items[i].Box
	}
	return n.children[i].box
}

// collect appends every item below n to dst
func (n *node) collect(dst []Item) []Item {
	if n.leaf {
		return append(dst, n.items...)
	}
	for _, c := range n.children {
		dst = c.collect(dst)
	}
	return dst
}

func cloneItems(items []Item, extra int) []Item {
	out := make([]Item, len(items), len(items)+extra)
	copy(out, items)
	return out
}

func cloneChildren(children []*node, extra int) []*node {
	out := make([]*node, len(children), len(children)+extra)
	copy(out, children)
	return out
}
