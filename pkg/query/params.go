// ABOUTME: Parses spatial query parameters (bbox, plane_bounds, count, stale, limit, skip)
// ABOUTME: Syntax errors become validation errors; flipped boxes pass through to the planner

package query

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/geometry"
)

// ParseBBox parses "minX,minY,maxX,maxY". The result is not checked for
// orientation; a flipped box is a wrap request when plane bounds are given.
func ParseBBox(s string) (geometry.BBox, error) {
	return parseBox(s, serrors.CodeInvalidBBox, "bbox")
}

// ParsePlaneBounds parses plane bounds, which must not be flipped
func ParsePlaneBounds(s string) (geometry.BBox, error) {
	b, err := parseBox(s, serrors.CodeInvalidPlaneBounds, "plane_bounds")
	if err != nil {
		return b, err
	}
	if b.FlippedX() || b.FlippedY() {
		return b, serrors.NewValidationError(serrors.CodeInvalidPlaneBounds,
			fmt.Sprintf("plane_bounds %s has min greater than max", b))
	}
	return b, nil
}

func parseBox(s, code, param string) (geometry.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geometry.BBox{}, serrors.NewValidationError(code,
			fmt.Sprintf("%s needs 4 comma-separated numbers, got %d", param, len(parts)))
	}

	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return geometry.BBox{}, serrors.NewValidationError(code,
				fmt.Sprintf("%s coordinate %q is not a finite number", param, p))
		}
		vals[i] = f
	}
	return geometry.NewBBox(vals[0], vals[1], vals[2], vals[3]), nil
}

// ParseParams builds a Query from URL query parameters
func ParseParams(index string, values url.Values) (Query, error) {
	q := Query{Index: index}

	raw := values.Get("bbox")
	if raw == "" {
		return q, serrors.NewValidationError(serrors.CodeInvalidBBox, "missing bbox parameter")
	}
	box, err := ParseBBox(raw)
	if err != nil {
		return q, err
	}
	q.BBox = box

	if raw := values.Get("plane_bounds"); raw != "" {
		plane, err := ParsePlaneBounds(raw)
		if err != nil {
			return q, err
		}
		q.PlaneBounds = &plane
	}

	if raw := values.Get("count"); raw != "" {
		count, err := strconv.ParseBool(raw)
		if err != nil {
			return q, serrors.NewValidationError(serrors.CodeInvalidParam,
				fmt.Sprintf("count must be a boolean, got %q", raw))
		}
		q.Count = count
	}

	stale, err := ParseStale(values.Get("stale"))
	if err != nil {
		return q, err
	}
	q.Stale = stale

	if q.Limit, err = parseNonNegative(values, "limit"); err != nil {
		return q, err
	}
	if q.Skip, err = parseNonNegative(values, "skip"); err != nil {
		return q, err
	}

	return q, nil
}

// ParseStale parses the stale parameter ("", "false", "ok", "update_after")
func ParseStale(raw string) (StaleMode, error) {
	switch raw {
	case "", "false":
		return StaleFalse, nil
	case "ok":
		return StaleOK, nil
	case "update_after":
		return StaleUpdateAfter, nil
	default:
		return StaleFalse, serrors.NewValidationError(serrors.CodeInvalidParam,
			fmt.Sprintf("stale must be ok or update_after, got %q", raw))
	}
}

func parseNonNegative(values url.Values, param string) (int, error) {
	raw := values.Get(param)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, serrors.NewValidationError(serrors.CodeInvalidParam,
			fmt.Sprintf("%s must be a non-negative integer, got %q", param, raw))
	}
	return n, nil
}
