// ABOUTME: Sort-Tile-Recursive bulk loading for building a tree in one pass
// ABOUTME: Used when restoring checkpoints and rebuilding from scratch

package rtree

import (
	"math"
	"sort"

	"github.com/nainya/spatialstore/pkg/geometry"
)

// Load builds a packed tree from items. The input slice is not retained.
func Load(opts Options, items []Item) *Tree {
	t := New(opts)
	if len(items) == 0 {
		return t
	}

	var level []*node
	tile(cloneItems(items, 0), t.opts.MaxEntries,
		func(it Item) geometry.BBox { return it.Box },
		func(run []Item) { level = append(level, newLeaf(cloneItems(run, 0))) },
	)

	height := 1
	for len(level) > 1 {
		var parents []*node
		tile(level, t.opts.MaxEntries,
			func(n *node) geometry.BBox { return n.box },
			func(run []*node) { parents = append(parents, newInternal(cloneChildren(run, 0))) },
		)
		level = parents
		height++
	}

	t.root = level[0]
	t.height = height
	return t
}

// tile sorts entries into vertical slices by x, each slice by y, and emits
// consecutive runs of at most maxEntries. Runs are sized evenly so that no
// node ends up nearly empty.
func tile[T any](entries []T, maxEntries int, boxOf func(T) geometry.BBox, emit func([]T)) {
	groups := ceilDiv(len(entries), maxEntries)
	slices := int(math.Ceil(math.Sqrt(float64(groups))))

	sort.SliceStable(entries, func(i, j int) bool {
		return centerX(boxOf(entries[i])) < centerX(boxOf(entries[j]))
	})

	for _, s := range evenRuns(len(entries), slices) {
		slice := entries[s[0]:s[1]]
		sort.SliceStable(slice, func(i, j int) bool {
			return centerY(boxOf(slice[i])) < centerY(boxOf(slice[j]))
		})
		for _, r := range evenRuns(len(slice), ceilDiv(len(slice), maxEntries)) {
			emit(slice[r[0]:r[1]])
		}
	}
}

// evenRuns splits [0, n) into k runs whose sizes differ by at most one
func evenRuns(n, k int) [][2]int {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	runs := make([][2]int, 0, k)
	base, extra := n/k, n%k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		runs = append(runs, [2]int{start, start + size})
		start += size
	}
	return runs
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func centerX(b geometry.BBox) float64 { return (b.MinX + b.MaxX) / 2 }
func centerY(b geometry.BBox) float64 { return (b.MinY + b.MaxY) / 2 }
