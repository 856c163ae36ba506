// ABOUTME: Splits a possibly wrapping query box into non-wrapping sub-boxes
// ABOUTME: Plane bounds turn a flipped axis into two intervals; every sub-box is clipped

package query

import (
	"fmt"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/geometry"
)

// interval is a closed range on one axis
type interval struct {
	min, max float64
}

func (iv interval) valid() bool { return iv.min <= iv.max }

// Plan returns the sub-boxes whose union answers a query for box.
//
// Without plane bounds a flipped axis is rejected. With plane bounds a flipped
// axis means [min, planeMax] plus [planeMin, max]; each axis yields one or two
// intervals and the sub-boxes are their Cartesian product, clipped to the
// plane. Intervals left empty by clipping are dropped, so the result may be
// empty. A zero-width wrap interval is dropped when the other half of its
// axis survives, since it only repeats the seam.
func Plan(box geometry.BBox, plane *geometry.BBox) ([]geometry.BBox, error) {
	if plane == nil {
		if box.FlippedX() || box.FlippedY() {
			return nil, serrors.NewValidationError(serrors.CodeFlippedBBox,
				fmt.Sprintf("bbox %s has min greater than max and no plane_bounds were given", box))
		}
		return []geometry.BBox{box}, nil
	}

	if plane.FlippedX() || plane.FlippedY() {
		return nil, serrors.NewValidationError(serrors.CodeInvalidPlaneBounds,
			fmt.Sprintf("plane_bounds %s has min greater than max", *plane))
	}

	xs := axisIntervals(box.MinX, box.MaxX, plane.MinX, plane.MaxX)
	ys := axisIntervals(box.MinY, box.MaxY, plane.MinY, plane.MaxY)

	boxes := make([]geometry.BBox, 0, len(xs)*len(ys))
	for _, x := range xs {
		for _, y := range ys {
			boxes = append(boxes, geometry.NewBBox(x.min, y.min, x.max, y.max))
		}
	}
	return boxes, nil
}

// axisIntervals returns the clipped intervals covering [qMin, qMax] on an
// axis whose periodic extent is [pMin, pMax].
func axisIntervals(qMin, qMax, pMin, pMax float64) []interval {
	if qMin <= qMax {
		iv := clip(interval{qMin, qMax}, pMin, pMax)
		if !iv.valid() {
			return nil
		}
		return []interval{iv}
	}

	upper := clip(interval{qMin, pMax}, pMin, pMax)
	lower := clip(interval{pMin, qMax}, pMin, pMax)

	var out []interval
	for _, iv := range []interval{upper, lower} {
		if iv.valid() {
			out = append(out, iv)
		}
	}
	if len(out) == 2 {
		// Keep only the non-degenerate half when one half is just the seam.
		switch {
		case out[0].min == out[0].max && out[1].min != out[1].max:
			out = out[1:]
		case out[1].min == out[1].max && out[0].min != out[0].max:
			out = out[:1]
		}
	}
	return out
}

func clip(iv interval, pMin, pMax float64) interval {
	if iv.min < pMin {
		iv.min = pMin
	}
	if iv.max > pMax {
		iv.max = pMax
	}
	return iv
}
