// ABOUTME: GeoJSON-like geometry model and axis-aligned bounding boxes
// ABOUTME: Geometry is a closed sum type; BBox uses closed-interval semantics

package geometry

import (
	"encoding/json"
	"fmt"
	"math"
)

// Geometry type tags as they appear in GeoJSON
const (
	TypePoint              = "Point"
	TypeLineString         = "LineString"
	TypePolygon            = "Polygon"
	TypeMultiPoint         = "MultiPoint"
	TypeMultiLineString    = "MultiLineString"
	TypeMultiPolygon       = "MultiPolygon"
	TypeGeometryCollection = "GeometryCollection"
)

// Position is a single 2D coordinate (x, y). For geographic data x is the
// longitude and y the latitude.
type Position [2]float64

// X returns the first coordinate
func (p Position) X() float64 { return p[0] }

// Y returns the second coordinate
func (p Position) Y() float64 { return p[1] }

// Geometry is implemented only by the variants in this package.
type Geometry interface {
	Type() string
	sealed()
}

// Point holds a single position
type Point struct {
	Coordinates Position
}

// LineString holds an ordered sequence of positions
type LineString struct {
	Coordinates []Position
}

// Polygon holds an exterior ring followed by zero or more hole rings
type Polygon struct {
	Rings [][]Position
}

// MultiPoint holds a set of positions
type MultiPoint struct {
	Points []Position
}

// MultiLineString holds a set of line strings
type MultiLineString struct {
	Lines [][]Position
}

// MultiPolygon holds a set of polygons, each a list of rings
type MultiPolygon struct {
	Polygons [][][]Position
}

// GeometryCollection holds an ordered sequence of child geometries
type GeometryCollection struct {
	Geometries []Geometry
}

func (Point) Type() string              { return TypePoint }
func (LineString) Type() string         { return TypeLineString }
func (Polygon) Type() string            { return TypePolygon }
func (MultiPoint) Type() string         { return TypeMultiPoint }
func (MultiLineString) Type() string    { return TypeMultiLineString }
func (MultiPolygon) Type() string       { return TypeMultiPolygon }
func (GeometryCollection) Type() string { return TypeGeometryCollection }

func (Point) sealed()              {}
func (LineString) sealed()         {}
func (Polygon) sealed()            {}
func (MultiPoint) sealed()         {}
func (MultiLineString) sealed()    {}
func (MultiPolygon) sealed()       {}
func (GeometryCollection) sealed() {}

// NewPoint creates a point geometry
func NewPoint(x, y float64) Point {
	return Point{Coordinates: Position{x, y}}
}

// BBox is an axis-aligned rectangle (minX, minY, maxX, maxY).
// A box produced by Normalize always has Min <= Max on both axes; boxes parsed
// from query parameters may be flipped.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// NewBBox creates a box from its four edges
func NewBBox(minX, minY, maxX, maxY float64) BBox {
	return BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// PointBox creates a degenerate box covering a single position
func PointBox(p Position) BBox {
	return BBox{MinX: p[0], MinY: p[1], MaxX: p[0], MaxY: p[1]}
}

// Valid reports whether the box is finite and not flipped on either axis
func (b BBox) Valid() bool {
	for _, v := range b.Array() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

// FlippedX reports whether MinX > MaxX
func (b BBox) FlippedX() bool { return b.MinX > b.MaxX }

// FlippedY reports whether MinY > MaxY
func (b BBox) FlippedY() bool { return b.MinY > b.MaxY }

// Intersects reports whether two boxes overlap. All four edges are closed, so
// boxes that only touch along an edge or at a corner intersect.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Contains reports whether o lies entirely inside b (edges inclusive)
func (b BBox) Contains(o BBox) bool {
	return b.MinX <= o.MinX && o.MaxX <= b.MaxX &&
		b.MinY <= o.MinY && o.MaxY <= b.MaxY
}

// Union returns the smallest box enclosing both boxes
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Intersection returns the overlap of two boxes; ok is false when they are
// disjoint.
func (b BBox) Intersection(o BBox) (BBox, bool) {
	r := BBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}
	return r, r.MinX <= r.MaxX && r.MinY <= r.MaxY
}

// Area returns the box area (zero for degenerate boxes)
func (b BBox) Area() float64 {
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY)
}

// Margin returns half the perimeter, used to order degenerate boxes
func (b BBox) Margin() float64 {
	return (b.MaxX - b.MinX) + (b.MaxY - b.MinY)
}

// Enlargement returns how much the area grows when o is added to b
func (b BBox) Enlargement(o BBox) float64 {
	return b.Union(o).Area() - b.Area()
}

// Array returns the box as [minX, minY, maxX, maxY]
func (b BBox) Array() [4]float64 {
	return [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

// String formats the box as "minX,minY,maxX,maxY"
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// MarshalJSON encodes the box as a four element array
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Array())
}

// UnmarshalJSON decodes a four element array
func (b *BBox) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 4 {
		return fmt.Errorf("bbox must have 4 coordinates, got %d", len(arr))
	}
	*b = BBox{MinX: arr[0], MinY: arr[1], MaxX: arr[2], MaxY: arr[3]}
	return nil
}
