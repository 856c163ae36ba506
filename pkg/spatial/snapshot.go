package spatial

import (
	"github.com/nainya/spatialstore/pkg/geometry"
	"github.com/nainya/spatialstore/pkg/rtree"
)

// Snapshot is an immutable view of an index at one update sequence. It is
// safe for any number of concurrent readers.
type Snapshot struct {
	name      string
	signature string
	tree      *rtree.Tree
	updateSeq uint64
	docs      int
	nextID    uint64
}

// Name returns the index name
func (s *Snapshot) Name() string { return s.name }

// Signature returns the definition signature
func (s *Snapshot) Signature() string { return s.signature }

// UpdateSeq returns the last document change reflected in the snapshot
func (s *Snapshot) UpdateSeq() uint64 { return s.updateSeq }

// Len returns the number of entries
func (s *Snapshot) Len() int { return s.tree.Len() }

// Documents returns the number of documents with at least one entry
func (s *Snapshot) Documents() int { return s.docs }

// Height returns the R-tree height
func (s *Snapshot) Height() int { return s.tree.Height() }

// Bounds returns the box enclosing every entry
func (s *Snapshot) Bounds() (geometry.BBox, bool) { return s.tree.Bounds() }

// Search calls fn for each entry intersecting box until fn returns false
func (s *Snapshot) Search(box geometry.BBox, fn func(*Entry) bool) {
	s.tree.Search(box, func(it rtree.Item) bool {
		return fn(it.Data.(*Entry))
	})
}

// Count returns the number of entries intersecting box
func (s *Snapshot) Count(box geometry.BBox) int {
	return s.tree.Count(box)
}

// Entries calls fn for every entry until fn returns false
func (s *Snapshot) Entries(fn func(*Entry) bool) {
	s.tree.All(func(it rtree.Item) bool {
		return fn(it.Data.(*Entry))
	})
}
