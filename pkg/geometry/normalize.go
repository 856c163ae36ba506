// ABOUTME: Folds any Geometry variant into its minimum bounding box
// ABOUTME: Pure and total over the closed variant set; rejects empty shapes

package geometry

import (
	"fmt"
	"math"

	serrors "github.com/nainya/spatialstore/internal/errors"
)

// Normalize computes the bounding box of a geometry. Every ring of a polygon,
// holes included, contributes to the box. Collections are folded recursively.
func Normalize(g Geometry) (BBox, error) {
	var f folder
	if err := f.visit(g); err != nil {
		return BBox{}, err
	}
	return f.box, nil
}

// NormalizeJSON decodes a GeoJSON geometry and normalizes it in one step
func NormalizeJSON(data []byte) (BBox, error) {
	g, err := Decode(data)
	if err != nil {
		return BBox{}, err
	}
	return Normalize(g)
}

type folder struct {
	box  BBox
	seen bool
}

func (f *folder) visit(g Geometry) error {
	switch g := g.(type) {
	case Point:
		return f.add(g.Coordinates)
	case LineString:
		return f.addAll(TypeLineString, g.Coordinates)
	case MultiPoint:
		return f.addAll(TypeMultiPoint, g.Points)
	case Polygon:
		return f.addRings(TypePolygon, g.Rings)
	case MultiLineString:
		return f.addRings(TypeMultiLineString, g.Lines)
	case MultiPolygon:
		if len(g.Polygons) == 0 {
			return empty(TypeMultiPolygon)
		}
		for _, rings := range g.Polygons {
			if err := f.addRings(TypeMultiPolygon, rings); err != nil {
				return err
			}
		}
		return nil
	case GeometryCollection:
		if len(g.Geometries) == 0 {
			return empty(TypeGeometryCollection)
		}
		for i, child := range g.Geometries {
			if err := f.visit(child); err != nil {
				return fmt.Errorf("geometries[%d]: %w", i, err)
			}
		}
		return nil
	case nil:
		return serrors.NewGeometryError(serrors.CodeInvalidGeometry, "nil geometry")
	default:
		return serrors.NewGeometryError(serrors.CodeUnknownType,
			fmt.Sprintf("unsupported geometry %T", g))
	}
}

func (f *folder) add(p Position) error {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
		return serrors.NewGeometryError(serrors.CodeInvalidGeometry, "coordinate is not finite")
	}
	if !f.seen {
		f.box = PointBox(p)
		f.seen = true
		return nil
	}
	f.box.MinX = math.Min(f.box.MinX, p[0])
	f.box.MinY = math.Min(f.box.MinY, p[1])
	f.box.MaxX = math.Max(f.box.MaxX, p[0])
	f.box.MaxY = math.Max(f.box.MaxY, p[1])
	return nil
}

func (f *folder) addAll(kind string, ps []Position) error {
	if len(ps) == 0 {
		return empty(kind)
	}
	for _, p := range ps {
		if err := f.add(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *folder) addRings(kind string, rings [][]Position) error {
	if len(rings) == 0 {
		return empty(kind)
	}
	for _, ring := range rings {
		if err := f.addAll(kind, ring); err != nil {
			return err
		}
	}
	return nil
}

func empty(kind string) error {
	return serrors.NewGeometryError(serrors.CodeEmptyGeometry, kind+" has no positions")
}
