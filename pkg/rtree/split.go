// ABOUTME: Guttman quadratic split for overflowing R-tree nodes
// ABOUTME: Works on entry indices so leaves and internal nodes share one routine

package rtree

import (
	"math"

	"github.com/nainya/spatialstore/pkg/geometry"
)

// quadraticSplit partitions boxes into two groups of at least minFill entries
func quadraticSplit(boxes []geometry.BBox, minFill int) ([]int, []int) {
	s1, s2 := pickSeeds(boxes)

	g1 := []int{s1}
	g2 := []int{s2}
	b1 := boxes[s1]
	b2 := boxes[s2]

	remaining := make([]int, 0, len(boxes)-2)
	for i := range boxes {
		if i != s1 && i != s2 {
			remaining = append(remaining, i)
		}
	}

	for len(remaining) > 0 {
		// One group must take everything left to reach the minimum fill.
		if len(g1)+len(remaining) == minFill {
			g1 = append(g1, remaining...)
			break
		}
		if len(g2)+len(remaining) == minFill {
			g2 = append(g2, remaining...)
			break
		}

		pos, toFirst := pickNext(boxes, remaining, b1, b2, len(g1), len(g2))
		idx := remaining[pos]
		remaining = append(remaining[:pos], remaining[pos+1:]...)

		if toFirst {
			g1 = append(g1, idx)
			b1 = b1.Union(boxes[idx])
		} else {
			g2 = append(g2, idx)
			b2 = b2.Union(boxes[idx])
		}
	}

	return g1, g2
}

// pickSeeds chooses the pair that would waste the most area if grouped.
// Margin breaks ties so that degenerate (point) boxes still spread out.
func pickSeeds(boxes []geometry.BBox) (int, int) {
	s1, s2 := 0, 1
	bestArea, bestMargin := math.Inf(-1), math.Inf(-1)

	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			u := boxes[i].Union(boxes[j])
			area := u.Area() - boxes[i].Area() - boxes[j].Area()
			margin := u.Margin() - boxes[i].Margin() - boxes[j].Margin()
			if area > bestArea || (area == bestArea && margin > bestMargin) {
				s1, s2 = i, j
				bestArea, bestMargin = area, margin
			}
		}
	}
	return s1, s2
}

// pickNext selects the remaining entry with the strongest preference for one
// group and reports which group it should join.
func pickNext(boxes []geometry.BBox, remaining []int, b1, b2 geometry.BBox, n1, n2 int) (int, bool) {
	best := 0
	bestDiff := math.Inf(-1)
	var d1Best, d2Best float64

	for pos, idx := range remaining {
		d1 := b1.Enlargement(boxes[idx])
		d2 := b2.Enlargement(boxes[idx])
		if diff := math.Abs(d1 - d2); diff > bestDiff {
			best, bestDiff = pos, diff
			d1Best, d2Best = d1, d2
		}
	}

	switch {
	case d1Best < d2Best:
		return best, true
	case d2Best < d1Best:
		return best, false
	}

	// Equal enlargement: prefer the smaller group box, then the smaller group.
	a1, a2 := b1.Area(), b2.Area()
	switch {
	case a1 < a2:
		return best, true
	case a2 < a1:
		return best, false
	}
	m1 := b1.Union(boxes[remaining[best]]).Margin() - b1.Margin()
	m2 := b2.Union(boxes[remaining[best]]).Margin() - b2.Margin()
	switch {
	case m1 < m2:
		return best, true
	case m2 < m1:
		return best, false
	}
	return best, n1 <= n2
}
